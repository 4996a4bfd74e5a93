// Package events emits the structured event stream: one JSON object per line
// on stdout, each carrying event_type, timestamp, and run_id.
package events

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/pressindex/collector/internal/model"
)

// Emitter writes structured event lines. The zero value is not usable;
// construct with New or NewWriter.
type Emitter struct {
	logger zerolog.Logger
}

// New returns an emitter writing to stdout.
func New() *Emitter {
	return NewWriter(os.Stdout)
}

// NewWriter returns an emitter writing to w; tests pass a buffer.
func NewWriter(w io.Writer) *Emitter {
	logger := zerolog.New(w)
	return &Emitter{logger: logger}
}

// Emit writes one event line. runID may be empty only for schema-validation
// commands; it is still rendered (as null) so every line has the field.
func (e *Emitter) Emit(eventType, runID string, fields map[string]any) {
	ev := e.logger.Log().
		Str("event_type", eventType).
		Str("timestamp", time.Now().UTC().Format(time.RFC3339Nano))
	if runID == "" {
		ev = ev.Interface("run_id", nil)
	} else {
		ev = ev.Str("run_id", runID)
	}
	for key, value := range fields {
		ev = ev.Interface(key, value)
	}
	ev.Send()
}

// EmitFetchLog writes the fetch-log event line for one attempt.
func (e *Emitter) EmitFetchLog(fl model.FetchLog) {
	fields := map[string]any{
		"id":  fl.ID,
		"url": fl.URL,
	}
	if fl.StatusCode != 0 {
		fields["status_code"] = fl.StatusCode
	} else {
		fields["status_code"] = nil
	}
	fields["latency_ms"] = fl.LatencyMS
	fields["bytes_received"] = fl.BytesReceived
	if fl.ErrorCode != "" {
		fields["error_code"] = string(fl.ErrorCode)
	} else {
		fields["error_code"] = nil
	}
	e.Emit("fetch_log", fl.RunID, fields)
}
