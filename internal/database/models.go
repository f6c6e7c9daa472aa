package database

import (
	"time"

	"github.com/TobiSchelling/sourcetrace/internal/session"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// ImportResult counts what an import wrote.
type ImportResult struct {
	Inserted   int
	Duplicates int
	Authors    int
}

// RunRecord is an archived analysis run.
type RunRecord struct {
	ID            string             `json:"id"`
	SessionID     string             `json:"session_id,omitempty"`
	TweetID       *string            `json:"tweet_id,omitempty"`
	TweetURL      *string            `json:"tweet_url,omitempty"`
	Status        string             `json:"status"`
	Mode          *string            `json:"mode,omitempty"`
	Keywords      []string           `json:"keywords"`
	Bigrams       []string           `json:"bigrams"`
	LowHour       float64            `json:"low_hour"`
	HighHour      float64            `json:"high_hour"`
	Iterations    int                `json:"iterations"`
	SourcePostID  *string            `json:"source_post_id,omitempty"`
	LowConfidence bool               `json:"low_confidence"`
	Reason        *string            `json:"reason,omitempty"`
	StartedAt     string             `json:"started_at"`
	FinishedAt    *string            `json:"finished_at,omitempty"`
	Log           []session.LogEntry `json:"log,omitempty"`
}

// Stats contains aggregate database statistics.
type Stats struct {
	Posts      int     `json:"posts"`
	Authors    int     `json:"authors"`
	MediaPosts int     `json:"media_posts"`
	Runs       int     `json:"runs"`
	FoundRuns  int     `json:"found_runs"`
	FailedRuns int     `json:"failed_runs"`
	FirstPost  *string `json:"first_post,omitempty"`
	LastPost   *string `json:"last_post,omitempty"`
}
