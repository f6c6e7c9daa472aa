// Package session runs source-attribution analyses for one observer at a
// time and reports their progress as ordered events.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/TobiSchelling/sourcetrace/internal/corpus"
	"github.com/TobiSchelling/sourcetrace/internal/fingerprint"
	"github.com/TobiSchelling/sourcetrace/internal/metrics"
	"github.com/TobiSchelling/sourcetrace/internal/search"
	"github.com/TobiSchelling/sourcetrace/internal/volume"
)

var (
	// ErrBusy rejects a start request while a run is in progress.
	ErrBusy = errors.New("busy_session")
	// ErrCancelled is the outcome of a run stopped by Cancel or by its
	// context.
	ErrCancelled = errors.New("analysis cancelled")
)

// Failure reasons beyond the search package's.
const (
	ReasonPostNotFound      = "post_not_found"
	ReasonCorpusUnavailable = "corpus_unavailable"
	ReasonInternal          = "internal_error"
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusAnalyzing Status = "analyzing"
	StatusSearching Status = "searching"
	StatusFound     Status = "found"
	StatusFailed    Status = "failed"
)

// Request names the post to attribute. With both fields empty the run
// fingerprints the whole corpus instead.
type Request struct {
	TweetID  string `json:"tweet_id,omitempty"`
	TweetURL string `json:"tweet_url,omitempty"`
}

// Run is one analysis. Runs are created by Start and never reused.
type Run struct {
	ID            string                  `json:"id"`
	SessionID     string                  `json:"session_id"`
	Request       Request                 `json:"request"`
	Status        Status                  `json:"status"`
	Mode          string                  `json:"mode,omitempty"`
	Fingerprint   fingerprint.Fingerprint `json:"fingerprint"`
	Window        search.Window           `json:"window"`
	Iterations    int                     `json:"iterations"`
	Source        *corpus.Post            `json:"source,omitempty"`
	LowConfidence bool                    `json:"low_confidence"`
	Reason        string                  `json:"reason,omitempty"`
	Log           []LogEntry              `json:"log"`
	StartedAt     time.Time               `json:"started_at"`
	FinishedAt    time.Time               `json:"finished_at"`

	cancelled bool
	cancel    context.CancelFunc
}

// Err reports how the run ended: nil for a confident result, ErrCancelled,
// an error matching search.ErrNoMatch, or search.ErrNonConvergence for a
// low-confidence result.
func (r Run) Err() error {
	switch {
	case r.cancelled:
		return ErrCancelled
	case r.Status == StatusFailed && (r.Reason == search.ReasonNoCorpusMatch || r.Reason == search.ReasonNoWindowMatch):
		return &search.NoMatchError{Reason: r.Reason}
	case r.Status == StatusFailed:
		return fmt.Errorf("analysis failed: %s", r.Reason)
	case r.Status == StatusFound && r.LowConfidence:
		return search.ErrNonConvergence
	}
	return nil
}

// Archive stores finished runs.
type Archive interface {
	SaveRun(ctx context.Context, run *Run) error
}

// Fetcher extracts the visible text of a post page. It is used when a
// submitted URL is not in the corpus.
type Fetcher interface {
	FetchText(ctx context.Context, url string) (string, error)
}

// Deps are the collaborators shared by every coordinator of a process.
type Deps struct {
	Source    corpus.Source
	Extractor *fingerprint.Extractor
	Searcher  *search.Searcher
	Location  *time.Location
	// BackgroundIDF weights keywords by inverse document frequency over the
	// run's corpus snapshot.
	BackgroundIDF bool
	Fetcher       Fetcher
	Archive       Archive
	Metrics       *metrics.Metrics
	Logger        logrus.FieldLogger
}

// Coordinator owns the lifecycle of one session's runs. At most one run is
// active at a time; events of a run reach the sink in causal order and
// nothing from a run is emitted once it has been cancelled.
type Coordinator struct {
	deps Deps
	sink Sink
	id   string
	log  logrus.FieldLogger

	mu      sync.Mutex
	status  Status
	run     *Run
	running bool
	wg      sync.WaitGroup
}

// New creates a coordinator that reports to sink.
func New(deps Deps, sink Sink) *Coordinator {
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	if deps.Extractor == nil {
		deps.Extractor = fingerprint.New()
	}
	if deps.Searcher == nil {
		deps.Searcher = search.New(deps.Extractor)
	}
	if deps.Logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		deps.Logger = l
	}
	id := uuid.NewString()
	return &Coordinator{
		deps:   deps,
		sink:   sink,
		id:     id,
		log:    deps.Logger.WithField("session_id", id),
		status: StatusIdle,
	}
}

// ID returns the session ID.
func (c *Coordinator) ID() string { return c.id }

// Status returns the current state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Current returns a copy of the most recent run.
func (c *Coordinator) Current() (Run, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return Run{}, false
	}
	r := *c.run
	r.Log = append([]LogEntry(nil), c.run.Log...)
	return r, true
}

// Start begins a new run in the background and returns its ID. It fails
// with ErrBusy while another run is in progress. The run stops when ctx is
// cancelled or Cancel is called.
func (c *Coordinator) Start(ctx context.Context, req Request) (string, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		c.deps.Metrics.StartRejected()
		c.log.WithField("status", c.Status()).Warn("start rejected: session busy")
		return "", ErrBusy
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &Run{
		ID:        uuid.NewString(),
		SessionID: c.id,
		Request:   req,
		StartedAt: time.Now().UTC(),
		cancel:    cancel,
	}
	c.run = run
	c.running = true
	c.transitionLocked(run, StatusAnalyzing)
	c.wg.Add(1)
	c.mu.Unlock()

	c.deps.Metrics.RunStarted()
	go c.execute(runCtx, run)
	return run.ID, nil
}

// Cancel stops the active run. The session returns to idle immediately and
// the run emits nothing further. It reports whether a run was cancelled.
func (c *Coordinator) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running || c.status == StatusFound || c.status == StatusFailed {
		return false
	}
	c.abortLocked(c.run, "analysis cancelled by client")
	return true
}

// Wait blocks until every run started so far has returned.
func (c *Coordinator) Wait() { c.wg.Wait() }

// Close cancels any active run and waits for it to exit.
func (c *Coordinator) Close() {
	c.Cancel()
	c.Wait()
}

func (c *Coordinator) abortLocked(run *Run, msg string) {
	if run.cancelled {
		return
	}
	c.transitionLocked(run, StatusIdle)
	c.logLocked(run, LevelWarning, msg)
	run.cancelled = true
	run.Reason = "cancelled"
	run.FinishedAt = time.Now().UTC()
	c.running = false
	run.cancel()
	c.deps.Metrics.RunFinished(string(StatusIdle), "cancelled", run.Iterations, run.FinishedAt.Sub(run.StartedAt))
}

// emitLocked delivers ev unless run has been cancelled. c.mu must be held,
// which is what serializes events against Cancel.
func (c *Coordinator) emitLocked(run *Run, ev Event) {
	if run.cancelled {
		return
	}
	if err := c.sink.Emit(ev); err != nil {
		c.deps.Metrics.SinkError()
		c.log.WithError(err).WithFields(logrus.Fields{"run_id": run.ID, "event": ev.Type}).Warn("event not delivered")
		return
	}
	c.deps.Metrics.EventEmitted(ev.Type)
}

func (c *Coordinator) emit(run *Run, ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitLocked(run, ev)
}

func (c *Coordinator) transitionLocked(run *Run, st Status) {
	if run.cancelled {
		return
	}
	run.Status = st
	c.status = st
	c.emitLocked(run, Event{Type: EventStatus, Payload: StatusPayload{Status: st}})
}

func (c *Coordinator) transition(run *Run, st Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transitionLocked(run, st)
}

func (c *Coordinator) logLocked(run *Run, level, msg string) {
	if run.cancelled {
		return
	}
	entry := LogEntry{Timestamp: time.Now().UTC(), Level: level, Message: msg}
	run.Log = append(run.Log, entry)

	l := c.log.WithField("run_id", run.ID)
	switch level {
	case LevelError:
		l.Error(msg)
	case LevelWarning:
		l.Warn(msg)
	default:
		l.Info(msg)
	}
	c.emitLocked(run, Event{Type: EventLog, Payload: entry})
}

func (c *Coordinator) logf(run *Run, level, format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logLocked(run, level, fmt.Sprintf(format, args...))
}

func (c *Coordinator) execute(ctx context.Context, run *Run) {
	defer c.wg.Done()

	c.logf(run, LevelInfo, "analysis started")
	snap, err := c.deps.Source.Snapshot(ctx)
	if err != nil {
		if ctx.Err() != nil {
			c.stopped(run)
			return
		}
		c.fail(run, ReasonCorpusUnavailable, fmt.Sprintf("loading corpus: %v", err))
		return
	}
	c.deps.Metrics.CorpusSize(snap.Len())
	c.logf(run, LevelInfo, "corpus snapshot: %d posts", snap.Len())
	if n := snap.Duplicates(); n > 0 {
		c.logf(run, LevelWarning, "ignored %d posts with repeated IDs", n)
	}

	series := volume.Aggregate(snap.Posts(), c.deps.Location)
	c.emit(run, Event{Type: EventVolume, Payload: VolumePayload{Data: series.Buckets}})

	fp, mode, err := c.fingerprint(ctx, run, snap)
	if err != nil {
		if ctx.Err() != nil {
			c.stopped(run)
			return
		}
		c.fail(run, ReasonPostNotFound, err.Error())
		return
	}
	c.mu.Lock()
	run.Fingerprint, run.Mode = fp, mode
	c.emitLocked(run, Event{Type: EventNLPResult, Payload: NLPPayload{
		Keywords: nonNil(fp.Keywords),
		Bigrams:  nonNil(fp.Bigrams),
		Mode:     mode,
	}})
	c.transitionLocked(run, StatusSearching)
	c.mu.Unlock()

	res, err := c.deps.Searcher.Search(ctx, fp, series, snap.Posts(), func(p search.Progress) {
		c.mu.Lock()
		defer c.mu.Unlock()
		run.Window, run.Iterations = p.Window(), p.Iteration
		c.emitLocked(run, Event{Type: EventSearchProgress, Payload: p})
	})
	switch {
	case ctx.Err() != nil:
		c.stopped(run)
		return
	case err != nil && errors.Is(err, search.ErrNoMatch):
		reason := search.Reason(err)
		c.fail(run, reason, fmt.Sprintf("no source found after %d iterations (%s)", res.Iterations, reason))
		return
	case err != nil:
		c.fail(run, ReasonInternal, err.Error())
		return
	}

	c.mu.Lock()
	run.Window, run.Iterations = res.Window, res.Iterations
	run.Source, run.LowConfidence = res.Source, res.LowConfidence
	if res.Warning != nil {
		c.logLocked(run, LevelWarning, res.Warning.Error())
	}
	c.logLocked(run, LevelInfo, fmt.Sprintf("source found: post %s at %s after %d iterations",
		res.Source.ID, res.Source.CreatedAt.Format(time.RFC3339), res.Iterations))
	c.transitionLocked(run, StatusFound)
	c.emitLocked(run, Event{Type: EventSourceFound, Payload: SourceFoundPayload{
		Tweet:         *res.Source,
		Iterations:    res.Iterations,
		LowConfidence: res.LowConfidence,
		FinalWindow:   res.Window,
	}})
	c.mu.Unlock()

	c.finish(run)
}

// fingerprint resolves the request into text and extracts its fingerprint.
// An error means the named post could not be found.
func (c *Coordinator) fingerprint(ctx context.Context, run *Run, snap *corpus.Snapshot) (fingerprint.Fingerprint, string, error) {
	ex := c.deps.Extractor
	if c.deps.BackgroundIDF {
		ex = ex.Fit(snap.Texts())
	}

	var (
		fp   fingerprint.Fingerprint
		mode string
		err  error
	)
	req := run.Request
	if req.TweetID == "" && req.TweetURL == "" {
		c.logf(run, LevelInfo, "no post named, extracting crowd echo from %d posts", snap.Len())
		fp, err = ex.ExtractCorpus(snap.Texts())
		mode = ModeCrowd
	} else {
		text, rerr := c.resolve(ctx, run, snap)
		if rerr != nil {
			return fingerprint.Fingerprint{}, "", rerr
		}
		fp, err = ex.Extract(text)
		mode = ModeText
	}

	if errors.Is(err, fingerprint.ErrEmptyText) {
		c.logf(run, LevelWarning, "no keywords extracted, narrowing on volume only")
		return fingerprint.Fingerprint{}, ModeVolumeOnly, nil
	}
	if err != nil {
		return fingerprint.Fingerprint{}, "", err
	}
	c.logf(run, LevelInfo, "fingerprint: %s", fp)
	return fp, mode, nil
}

func (c *Coordinator) resolve(ctx context.Context, run *Run, snap *corpus.Snapshot) (string, error) {
	req := run.Request
	id := req.TweetID
	if id == "" {
		id = corpus.IDFromURL(req.TweetURL)
	}
	if id != "" {
		if p, ok := snap.Post(id); ok {
			c.logf(run, LevelInfo, "analyzing post %s by @%s", p.ID, username(p))
			return p.Text, nil
		}
	}

	if req.TweetURL != "" && c.deps.Fetcher != nil {
		text, err := c.deps.Fetcher.FetchText(ctx, req.TweetURL)
		if err == nil && text != "" {
			c.logf(run, LevelInfo, "post not in corpus, using page text from %s", req.TweetURL)
			return text, nil
		}
		if err != nil {
			c.logf(run, LevelWarning, "fetching %s: %v", req.TweetURL, err)
		}
	}

	if id == "" {
		return "", fmt.Errorf("no post ID in %q", req.TweetURL)
	}
	return "", fmt.Errorf("post %s not found in corpus", id)
}

func (c *Coordinator) fail(run *Run, reason, msg string) {
	c.mu.Lock()
	if !run.cancelled {
		run.Reason = reason
	}
	c.logLocked(run, LevelError, msg)
	c.transitionLocked(run, StatusFailed)
	c.mu.Unlock()
	c.finish(run)
}

// stopped handles a run whose context ended without Cancel, such as a
// closed connection.
func (c *Coordinator) stopped(run *Run) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abortLocked(run, "analysis stopped")
}

// finish archives a terminal run and emits analysis_complete.
func (c *Coordinator) finish(run *Run) {
	c.mu.Lock()
	if run.cancelled {
		c.mu.Unlock()
		return
	}
	run.FinishedAt = time.Now().UTC()
	archived := *run
	archived.Log = append([]LogEntry(nil), run.Log...)
	c.mu.Unlock()

	if c.deps.Archive != nil {
		if err := c.deps.Archive.SaveRun(context.Background(), &archived); err != nil {
			c.log.WithError(err).WithField("run_id", run.ID).Error("archiving run")
		}
	}

	c.mu.Lock()
	c.emitLocked(run, Event{Type: EventAnalysisComplete, Payload: CompletePayload{
		RunID:  run.ID,
		Status: run.Status,
		Reason: run.Reason,
	}})
	if !run.cancelled {
		c.running = false
		c.deps.Metrics.RunFinished(string(run.Status), run.Reason, run.Iterations, run.FinishedAt.Sub(run.StartedAt))
	}
	c.mu.Unlock()
	run.cancel()
}

func username(p corpus.Post) string {
	if p.Author == nil {
		return p.AuthorRef
	}
	return p.Author.Username
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
