package collect

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/TobiSchelling/sourcetrace/internal/corpus"
)

// Export is an X-API-v2 shaped post dump: posts under "data", authors either
// embedded per post, listed under "users", or under "includes.users".
type Export struct {
	Data     []corpus.Post   `json:"data"`
	Users    []corpus.Author `json:"users"`
	Includes struct {
		Users []corpus.Author `json:"users"`
	} `json:"includes"`
	Meta struct {
		ExportedAt  string `json:"exported_at"`
		TotalTweets int    `json:"total_tweets"`
	} `json:"meta"`

	// Skipped counts records dropped for a missing ID or timestamp.
	Skipped int `json:"-"`
}

// Authors returns every author listed outside the posts.
func (e *Export) Authors() []corpus.Author {
	out := make([]corpus.Author, 0, len(e.Users)+len(e.Includes.Users))
	out = append(out, e.Users...)
	return append(out, e.Includes.Users...)
}

// DecodeExport parses an export document. A bare JSON array of posts is
// accepted too.
func DecodeExport(r io.Reader) (*Export, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err != nil {
		return nil, fmt.Errorf("reading export: %w", err)
	}

	exp := &Export{}
	dec := json.NewDecoder(br)
	if first == '[' {
		err = dec.Decode(&exp.Data)
	} else {
		err = dec.Decode(exp)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding export: %w", err)
	}

	kept := exp.Data[:0]
	for _, p := range exp.Data {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" || p.CreatedAt.IsZero() {
			exp.Skipped++
			continue
		}
		kept = append(kept, p)
	}
	exp.Data = kept
	return exp, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return 0, err
		}
		if !bytes.ContainsAny(b, " \t\r\n") {
			return b[0], nil
		}
		if _, err := br.ReadByte(); err != nil {
			return 0, err
		}
	}
}

// ReadExportFile reads an export from disk.
func ReadExportFile(path string) (*Export, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening export: %w", err)
	}
	defer f.Close()
	return DecodeExport(f)
}

// ExportClient downloads exports over HTTP. Network errors, 5xx and 429
// responses are retried with backoff.
type ExportClient struct {
	url      string
	token    string
	client   *http.Client
	executor failsafe.Executor[*http.Response]
}

const exportRetries = 2

// NewExportClient creates an export client. An empty token sends no
// Authorization header.
func NewExportClient(url, token string, timeout time.Duration) *ExportClient {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	retry := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(_ *http.Response, err error) bool { return retryable(err) }).
		WithBackoff(100*time.Millisecond, 5*time.Second).
		WithMaxRetries(exportRetries).
		WithJitterFactor(0.1).
		Build()
	return &ExportClient{
		url:      url,
		token:    token,
		client:   &http.Client{Timeout: timeout},
		executor: failsafe.With(retry),
	}
}

// StatusError is a non-200 export response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("export HTTP error: %d", e.Code)
}

func retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	return true
}

// Fetch downloads and decodes the export.
func (c *ExportClient) Fetch(ctx context.Context) (*Export, error) {
	resp, err := c.executor.WithContext(ctx).Get(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, &StatusError{Code: resp.StatusCode}
		}
		return resp, nil
	})
	if err != nil {
		return nil, fmt.Errorf("export request: %w", err)
	}
	defer resp.Body.Close()
	return DecodeExport(resp.Body)
}
