package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/TobiSchelling/sourcetrace/internal/corpus"
)

const postColumns = `id, author_id, text, created_at, media, reply_count, retweet_count, like_count, conversation_id`

// UpsertAuthor inserts an author or refreshes its profile and reliability.
func (db *DB) UpsertAuthor(ctx context.Context, a corpus.Author) error {
	return upsertAuthor(ctx, db.conn, a)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertAuthor(ctx context.Context, x execer, a corpus.Author) error {
	_, err := x.ExecContext(ctx,
		`INSERT INTO authors (id, username, display_name, reliability_score)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			display_name = excluded.display_name,
			reliability_score = excluded.reliability_score,
			updated_at = datetime('now')`,
		a.ID, a.Username, a.DisplayName, corpus.ClampReliability(a.ReliabilityScore),
	)
	return err
}

// InsertPost stores a post. It returns false without error when a post with
// the same ID already exists; posts are immutable once ingested.
func (db *DB) InsertPost(ctx context.Context, p corpus.Post, source string) (bool, error) {
	return insertPost(ctx, db.conn, p, source)
}

func insertPost(ctx context.Context, x execer, p corpus.Post, source string) (bool, error) {
	var media *string
	if len(p.Media) > 0 {
		data, err := json.Marshal(p.Media)
		if err != nil {
			return false, err
		}
		s := string(data)
		media = &s
	}
	authorID := p.AuthorRef
	if authorID == "" && p.Author != nil {
		authorID = p.Author.ID
	}

	res, err := x.ExecContext(ctx,
		`INSERT OR IGNORE INTO posts
		(id, author_id, text, created_at, media, reply_count, retweet_count, like_count, conversation_id, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, nullString(authorID), p.Text, formatTime(p.CreatedAt), media,
		p.Metrics.Reply, p.Metrics.Retweet, p.Metrics.Like, nullString(p.ConversationID), nullString(source),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ImportPosts stores authors and posts in one transaction. Authors embedded
// in posts are upserted alongside the explicit list.
func (db *DB) ImportPosts(ctx context.Context, source string, posts []corpus.Post, authors []corpus.Author) (ImportResult, error) {
	var result ImportResult
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("begin import: %w", err)
	}
	defer tx.Rollback()

	seen := make(map[string]bool)
	upsert := func(a corpus.Author) error {
		if a.ID == "" || seen[a.ID] {
			return nil
		}
		seen[a.ID] = true
		if err := upsertAuthor(ctx, tx, a); err != nil {
			return fmt.Errorf("author %s: %w", a.ID, err)
		}
		result.Authors++
		return nil
	}

	for _, a := range authors {
		if err := upsert(a); err != nil {
			return result, err
		}
	}
	for _, p := range posts {
		if p.Author != nil {
			if err := upsert(*p.Author); err != nil {
				return result, err
			}
		}
		inserted, err := insertPost(ctx, tx, p, source)
		if err != nil {
			return result, fmt.Errorf("post %s: %w", p.ID, err)
		}
		if inserted {
			result.Inserted++
		} else {
			result.Duplicates++
		}
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("commit import: %w", err)
	}
	db.log.WithField("source", source).Infof("imported %d posts (%d duplicates, %d authors)",
		result.Inserted, result.Duplicates, result.Authors)
	return result, nil
}

// GetPost returns a single post with its author, or nil if absent.
func (db *DB) GetPost(ctx context.Context, id string) (*corpus.Post, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id = ?`, id)
	p, err := scanPost(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if p.AuthorRef != "" {
		a, err := db.GetAuthor(ctx, p.AuthorRef)
		if err != nil {
			return nil, err
		}
		p.Author = a
	}
	return p, nil
}

// GetAuthor returns an author, or nil if absent.
func (db *DB) GetAuthor(ctx context.Context, id string) (*corpus.Author, error) {
	var a corpus.Author
	var display *string
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, username, display_name, reliability_score FROM authors WHERE id = ?`, id,
	).Scan(&a.ID, &a.Username, &display, &a.ReliabilityScore)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if display != nil {
		a.DisplayName = *display
	}
	return &a, nil
}

// CountPosts returns the number of stored posts.
func (db *DB) CountPosts(ctx context.Context) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM posts").Scan(&n)
	return n, err
}

// Snapshot loads the whole corpus into an immutable snapshot. It makes *DB a
// corpus.Source.
func (db *DB) Snapshot(ctx context.Context) (*corpus.Snapshot, error) {
	authors, err := db.allAuthors(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading authors: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx, `SELECT `+postColumns+` FROM posts ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("loading posts: %w", err)
	}
	defer rows.Close()

	var posts []corpus.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning post: %w", err)
		}
		posts = append(posts, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return corpus.NewSnapshot(posts, authors), nil
}

func (db *DB) allAuthors(ctx context.Context) ([]corpus.Author, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, username, display_name, reliability_score FROM authors`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var authors []corpus.Author
	for rows.Next() {
		var a corpus.Author
		var display *string
		if err := rows.Scan(&a.ID, &a.Username, &display, &a.ReliabilityScore); err != nil {
			return nil, err
		}
		if display != nil {
			a.DisplayName = *display
		}
		authors = append(authors, a)
	}
	return authors, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPost(row scanner) (*corpus.Post, error) {
	var p corpus.Post
	var authorID, media, conversation *string
	var created string
	if err := row.Scan(&p.ID, &authorID, &p.Text, &created, &media,
		&p.Metrics.Reply, &p.Metrics.Retweet, &p.Metrics.Like, &conversation); err != nil {
		return nil, err
	}

	t, err := parseTime(created)
	if err != nil {
		return nil, fmt.Errorf("post %s created_at %q: %w", p.ID, created, err)
	}
	p.CreatedAt = t
	if authorID != nil {
		p.AuthorRef = *authorID
	}
	if conversation != nil {
		p.ConversationID = *conversation
	}
	if media != nil {
		if err := json.Unmarshal([]byte(*media), &p.Media); err != nil {
			p.Media = nil
		}
	}
	return &p, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
