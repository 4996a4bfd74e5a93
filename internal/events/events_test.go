package events

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/pressindex/collector/internal/model"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &out); err != nil {
		t.Fatalf("event line is not JSON: %v (%q)", err, buf.String())
	}
	return out
}

func TestEmitCarriesRequiredFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	NewWriter(&buf).Emit("pipeline_run_started", "run-1", map[string]any{"seed": "x"})

	line := decodeLine(t, &buf)
	if line["event_type"] != "pipeline_run_started" {
		t.Errorf("event_type = %v", line["event_type"])
	}
	if line["run_id"] != "run-1" {
		t.Errorf("run_id = %v", line["run_id"])
	}
	if _, ok := line["timestamp"].(string); !ok {
		t.Error("timestamp missing")
	}
	if line["seed"] != "x" {
		t.Errorf("seed = %v", line["seed"])
	}
}

func TestEmitNullRunID(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	NewWriter(&buf).Emit("cli_validate_schemas_completed", "", nil)

	line := decodeLine(t, &buf)
	value, present := line["run_id"]
	if !present {
		t.Fatal("run_id field absent")
	}
	if value != nil {
		t.Errorf("run_id = %v, want null", value)
	}
}

func TestEmitFetchLog(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	fl := model.NewFetchLog("https://example.com/a", "run-2")
	fl.StatusCode = 200
	fl.BytesReceived = 512
	fl.LatencyMS = 40
	NewWriter(&buf).EmitFetchLog(fl)

	line := decodeLine(t, &buf)
	if line["event_type"] != "fetch_log" {
		t.Errorf("event_type = %v", line["event_type"])
	}
	if line["url"] != "https://example.com/a" {
		t.Errorf("url = %v", line["url"])
	}
	if line["status_code"] != float64(200) {
		t.Errorf("status_code = %v", line["status_code"])
	}
	if line["error_code"] != nil {
		t.Errorf("error_code = %v, want null", line["error_code"])
	}
}

func TestEmitFetchLogError(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	fl := model.NewFetchLog("https://example.com/b", "run-3")
	fl.ErrorCode = model.FetchBlockedByRobots
	NewWriter(&buf).EmitFetchLog(fl)

	line := decodeLine(t, &buf)
	if line["error_code"] != "BLOCKED_BY_ROBOTS" {
		t.Errorf("error_code = %v", line["error_code"])
	}
	if line["status_code"] != nil {
		t.Errorf("status_code = %v, want null", line["status_code"])
	}
}
