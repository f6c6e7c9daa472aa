package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"

	"github.com/TobiSchelling/sourcetrace/internal/corpus"
	"github.com/TobiSchelling/sourcetrace/internal/database"
	"github.com/TobiSchelling/sourcetrace/internal/fingerprint"
	"github.com/TobiSchelling/sourcetrace/internal/logging"
	"github.com/TobiSchelling/sourcetrace/internal/metrics"
	"github.com/TobiSchelling/sourcetrace/internal/search"
	"github.com/TobiSchelling/sourcetrace/internal/session"
)

var day = time.Date(2026, 2, 6, 0, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	reporter := &corpus.Author{ID: "a1", Username: "reporter", ReliabilityScore: 0.4}
	posts := []corpus.Post{
		{ID: "100", Author: reporter, Text: "flood on the main road near the market",
			CreatedAt: day.Add(2 * time.Hour), Media: []corpus.Media{{Type: "video"}}},
		{ID: "200", AuthorRef: "a2", Text: "the flood on the main road is getting worse",
			CreatedAt: day.Add(5 * time.Hour)},
		{ID: "300", AuthorRef: "a2", Text: "football match tonight", CreatedAt: day.Add(9 * time.Hour)},
	}
	authors := []corpus.Author{{ID: "a2", Username: "witness", ReliabilityScore: 0.8}}
	if _, err := db.ImportPosts(context.Background(), "test", posts, authors); err != nil {
		t.Fatalf("seeding db: %v", err)
	}
	return db
}

func newTestServer(t *testing.T, stepDelay time.Duration) (*Server, *database.DB) {
	t.Helper()
	db := openTestDB(t)
	ex := fingerprint.New()
	searcher := search.New(ex)
	searcher.StepDelay = stepDelay
	srv := New(Options{
		Store: db,
		Deps: session.Deps{
			Extractor: ex,
			Searcher:  searcher,
			Archive:   db,
		},
		Metrics: metrics.New(),
		Logger:  logging.Discard(),
		Version: "test",
	})
	return srv, db
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
}

func TestHealthRoute(t *testing.T) {
	srv, _ := newTestServer(t, 0)
	rec := get(t, srv, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"version":"test"`) {
		t.Errorf("expected version in body, got %s", rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
}

func TestStatusRoute(t *testing.T) {
	srv, _ := newTestServer(t, 0)
	rec := get(t, srv, "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Status       string `json:"status"`
		TotalTweets  int    `json:"total_tweets"`
		SourceExists bool   `json:"source_exists"`
	}
	decode(t, rec, &body)
	if body.Status != "online" || body.TotalTweets != 3 || !body.SourceExists {
		t.Errorf("unexpected status %+v", body)
	}
}

func TestTweetsRoute(t *testing.T) {
	srv, _ := newTestServer(t, 0)

	rec := get(t, srv, "/api/tweets?limit=2&offset=1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Data []corpus.Post `json:"data"`
		Meta struct {
			Total int `json:"total"`
		} `json:"meta"`
	}
	decode(t, rec, &body)
	var ids []string
	for _, p := range body.Data {
		ids = append(ids, p.ID)
	}
	if diff := cmp.Diff([]string{"200", "300"}, ids); diff != "" {
		t.Errorf("page mismatch (-want +got):\n%s", diff)
	}
	if body.Meta.Total != 3 {
		t.Errorf("expected total 3, got %d", body.Meta.Total)
	}

	if rec := get(t, srv, "/api/tweets?limit=abc"); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestVolumeRoute(t *testing.T) {
	srv, _ := newTestServer(t, 0)
	rec := get(t, srv, "/api/volume")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Span int `json:"span"`
		Data []struct {
			Hour  int `json:"hour"`
			Count int `json:"count"`
		} `json:"data"`
	}
	decode(t, rec, &body)
	if body.Span != 24 || len(body.Data) != 24 {
		t.Fatalf("expected 24 buckets, got span %d len %d", body.Span, len(body.Data))
	}
	if body.Data[2].Count != 1 || body.Data[5].Count != 1 || body.Data[9].Count != 1 || body.Data[0].Count != 0 {
		t.Errorf("unexpected buckets %+v", body.Data)
	}
}

func TestKeywordsRoute(t *testing.T) {
	srv, _ := newTestServer(t, 0)
	rec := get(t, srv, "/api/keywords")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Keywords []string `json:"top_keywords"`
		Total    int      `json:"total_analyzed"`
	}
	decode(t, rec, &body)
	if body.Total != 3 {
		t.Errorf("expected 3 analyzed, got %d", body.Total)
	}
	if len(body.Keywords) < 3 || body.Keywords[0] != "flood" {
		t.Errorf("expected flood to lead the crowd echo, got %v", body.Keywords)
	}
}

func TestSearchRoute(t *testing.T) {
	srv, _ := newTestServer(t, 0)

	tests := []struct {
		query string
		want  []string
	}{
		{"/api/search?query=FLOOD", []string{"100", "200"}},
		{"/api/search?query=flood&start_hour=3", []string{"200"}},
		{"/api/search?query=flood&start_hour=0&end_hour=2", nil},
		{"/api/search?query=match", []string{"300"}},
	}
	for _, tt := range tests {
		rec := get(t, srv, tt.query)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", tt.query, rec.Code)
		}
		var body struct {
			Data []corpus.Post `json:"data"`
			Meta struct {
				Total int `json:"total"`
			} `json:"meta"`
		}
		decode(t, rec, &body)
		var ids []string
		for _, p := range body.Data {
			ids = append(ids, p.ID)
		}
		if diff := cmp.Diff(tt.want, ids); diff != "" {
			t.Errorf("%s mismatch (-want +got):\n%s", tt.query, diff)
		}
		if body.Meta.Total != len(tt.want) {
			t.Errorf("%s: expected total %d, got %d", tt.query, len(tt.want), body.Meta.Total)
		}
	}

	if rec := get(t, srv, "/api/search"); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without query, got %d", rec.Code)
	}
	if rec := get(t, srv, "/api/search?query=x&start_hour=soon"); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad start_hour, got %d", rec.Code)
	}
}

func TestRunsRoutes(t *testing.T) {
	srv, db := newTestServer(t, 0)

	rec := get(t, srv, "/api/runs")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"data":[]`) {
		t.Errorf("expected empty run list, got %d %s", rec.Code, rec.Body.String())
	}

	run := &session.Run{ID: "run-1", Status: session.StatusFound, StartedAt: day}
	if err := db.SaveRun(context.Background(), run); err != nil {
		t.Fatal(err)
	}
	if rec := get(t, srv, "/api/runs/run-1"); rec.Code != http.StatusOK {
		t.Errorf("expected 200 for archived run, got %d", rec.Code)
	}
	if rec := get(t, srv, "/api/runs/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for missing run, got %d", rec.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	srv, _ := newTestServer(t, 0)
	get(t, srv, "/health")
	rec := get(t, srv, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "sourcetrace_http_requests_total") {
		t.Error("expected request counter in metrics output")
	}
}

// wsHarness runs the hub and an HTTP server for websocket tests.
type wsHarness struct {
	srv  *Server
	db   *database.DB
	http *httptest.Server
}

func startWS(t *testing.T, stepDelay time.Duration) *wsHarness {
	t.Helper()
	srv, db := newTestServer(t, stepDelay)
	ctx, cancel := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		srv.Hub().Run(ctx)
		close(hubDone)
	}()
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		cancel()
		<-hubDone
	})
	return &wsHarness{srv: srv, db: db, http: hs}
}

func (h *wsHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws/analysis"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type wsEvent map[string]any

func (e wsEvent) typ() string {
	s, _ := e["type"].(string)
	return s
}

func readEvent(t *testing.T, conn *websocket.Conn) wsEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev wsEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("reading event: %v", err)
	}
	return ev
}

// readUntil reads events until one of type typ arrives and returns all of
// them.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) []wsEvent {
	t.Helper()
	var events []wsEvent
	for i := 0; i < 200; i++ {
		ev := readEvent(t, conn)
		events = append(events, ev)
		if ev.typ() == typ {
			return events
		}
	}
	t.Fatalf("no %s event", typ)
	return nil
}

func TestWebsocketAnalysis(t *testing.T) {
	h := startWS(t, 0)
	conn := h.dial(t)

	if err := conn.WriteJSON(map[string]string{"action": ActionStartAnalysis, "tweet_id": "200"}); err != nil {
		t.Fatal(err)
	}
	events := readUntil(t, conn, session.EventAnalysisComplete)

	first := events[0]
	if first.typ() != session.EventStatus || first["status"] != string(session.StatusAnalyzing) {
		t.Errorf("expected status analyzing first, got %v", first)
	}

	var found wsEvent
	var progress int
	for _, ev := range events {
		switch ev.typ() {
		case session.EventSourceFound:
			found = ev
		case session.EventSearchProgress:
			progress++
		}
	}
	if found == nil {
		t.Fatalf("expected source_found, got %v", events)
	}
	tweet, _ := found["tweet"].(map[string]any)
	if tweet["id"] != "100" {
		t.Errorf("expected source 100, got %v", tweet["id"])
	}
	if progress == 0 {
		t.Error("expected search_progress events")
	}

	complete := events[len(events)-1]
	runID, _ := complete["run_id"].(string)
	if runID == "" {
		t.Fatalf("expected run_id on analysis_complete, got %v", complete)
	}
	rec, err := h.db.GetRun(context.Background(), runID)
	if err != nil || rec == nil {
		t.Fatalf("expected archived run %s, got %v (%v)", runID, rec, err)
	}
	if rec.SourcePostID == nil || *rec.SourcePostID != "100" {
		t.Errorf("expected archived source 100, got %v", rec.SourcePostID)
	}
}

func TestWebsocketBusyAndCancel(t *testing.T) {
	h := startWS(t, 200*time.Millisecond)
	conn := h.dial(t)

	conn.WriteJSON(map[string]string{"action": ActionStartAnalysis, "tweet_id": "200"})
	readUntil(t, conn, session.EventSearchProgress)

	conn.WriteJSON(map[string]string{"action": ActionStartAnalysis, "tweet_id": "300"})
	events := readUntil(t, conn, session.EventError)
	last := events[len(events)-1]
	if last["error"] != ErrCodeBusy {
		t.Errorf("expected busy_session, got %v", last)
	}

	conn.WriteJSON(map[string]string{"action": ActionCancel})
	events = readUntil(t, conn, session.EventStatus)
	if events[len(events)-1]["status"] != string(session.StatusIdle) {
		t.Errorf("expected idle after cancel, got %v", events[len(events)-1])
	}
}

func TestWebsocketQueries(t *testing.T) {
	h := startWS(t, 0)
	conn := h.dial(t)

	conn.WriteJSON(map[string]any{"action": ActionGetTweets, "limit": 2})
	ev := readEvent(t, conn)
	if ev.typ() != eventTweets || ev["total"] != float64(3) {
		t.Errorf("unexpected tweets reply %v", ev)
	}
	if data, _ := ev["data"].([]any); len(data) != 2 {
		t.Errorf("expected 2 tweets, got %d", len(data))
	}

	conn.WriteJSON(map[string]string{"action": ActionGetVolume})
	ev = readEvent(t, conn)
	if data, _ := ev["data"].([]any); ev.typ() != session.EventVolume || len(data) != 24 {
		t.Errorf("unexpected volume reply %v", ev)
	}

	conn.WriteJSON(map[string]string{"action": "dance"})
	ev = readEvent(t, conn)
	if ev.typ() != session.EventError || ev["error"] != ErrCodeUnknownAction {
		t.Errorf("expected unknown_action error, got %v", ev)
	}

	conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
	ev = readEvent(t, conn)
	if ev["error"] != ErrCodeInvalid {
		t.Errorf("expected invalid_message error, got %v", ev)
	}
}

func TestHubStats(t *testing.T) {
	h := startWS(t, 0)
	h.dial(t)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.srv.Hub().Stats()["total_clients"] == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("expected one registered client, got %v", h.srv.Hub().Stats())
}

func TestClientEmitGivesUpOnFullBuffer(t *testing.T) {
	c := &Client{
		send:        make(chan []byte),
		done:        make(chan struct{}),
		sendTimeout: 50 * time.Millisecond,
	}
	start := time.Now()
	err := c.Emit(session.Event{Type: session.EventStatus, Payload: session.StatusPayload{Status: session.StatusIdle}})
	if err != errSlowClient {
		t.Fatalf("expected errSlowClient, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("expected emit to give up quickly, took %v", elapsed)
	}

	close(c.done)
	if err := c.Emit(session.Event{Type: session.EventLog}); err != errClientGone {
		t.Errorf("expected errClientGone after shutdown, got %v", err)
	}
}

func TestCancelStaysPromptForStalledClient(t *testing.T) {
	db := openTestDB(t)
	ex := fingerprint.New()
	searcher := search.New(ex)
	searcher.StepDelay = 50 * time.Millisecond

	stalled := &Client{
		send:        make(chan []byte),
		done:        make(chan struct{}),
		sendTimeout: 100 * time.Millisecond,
	}
	coord := session.New(session.Deps{Source: db, Extractor: ex, Searcher: searcher, Logger: logging.Discard()}, stalled)
	defer coord.Close()

	if _, err := coord.Start(context.Background(), session.Request{TweetID: "200"}); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}

	start := time.Now()
	coord.Cancel()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("expected cancel within a second, took %v", elapsed)
	}
	if got := coord.Status(); got != session.StatusIdle {
		t.Errorf("expected idle after cancel, got %s", got)
	}
}
