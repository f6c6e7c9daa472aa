package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/TobiSchelling/sourcetrace/internal/corpus"
	"github.com/TobiSchelling/sourcetrace/internal/search"
	"github.com/TobiSchelling/sourcetrace/internal/volume"
)

// Event types sent to observers.
const (
	EventStatus           = "status"
	EventLog              = "log"
	EventVolume           = "volume"
	EventNLPResult        = "nlp_result"
	EventSearchProgress   = "search_progress"
	EventSourceFound      = "source_found"
	EventAnalysisComplete = "analysis_complete"
	EventError            = "error"
)

// Event is one message to an observer. It marshals as a flat JSON object:
// the payload's fields plus "type".
type Event struct {
	Type    string
	Payload any
}

func (e Event) MarshalJSON() ([]byte, error) {
	typ, err := json.Marshal(e.Type)
	if err != nil {
		return nil, err
	}
	if e.Payload == nil {
		return []byte(`{"type":` + string(typ) + `}`), nil
	}
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", e.Type, err)
	}
	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("%s payload is not an object", e.Type)
	}

	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Sink receives the events of a session in emission order. Emit may block;
// an error means the event was not delivered.
type Sink interface {
	Emit(Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event) error

func (f SinkFunc) Emit(e Event) error { return f(e) }

// Log levels carried on log events.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

type StatusPayload struct {
	Status Status `json:"status"`
}

// LogEntry is one line of a run's log. Entries are never modified once
// appended.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

type VolumePayload struct {
	Data []volume.Bucket `json:"data"`
}

// Fingerprint modes.
const (
	ModeText       = "text"
	ModeCrowd      = "crowd"
	ModeVolumeOnly = "volume_only"
)

type NLPPayload struct {
	Keywords []string `json:"keywords"`
	Bigrams  []string `json:"bigrams"`
	Mode     string   `json:"mode"`
}

type SourceFoundPayload struct {
	Tweet         corpus.Post   `json:"tweet"`
	Iterations    int           `json:"iterations"`
	LowConfidence bool          `json:"low_confidence"`
	FinalWindow   search.Window `json:"final_window"`
}

type CompletePayload struct {
	RunID  string `json:"run_id"`
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type ErrorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
