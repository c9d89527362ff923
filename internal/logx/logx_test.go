package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"pkt.systems/pslog"
	"pkt.systems/termlink/schema"
)

func TestWithKeyAddsFields(t *testing.T) {
	capture := &logCapture{}
	logger := pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
	log := WithKey(logger, schema.SessionKey{WorkspaceID: "ws", TerminalID: "main"})
	log.Info("hello")

	entry := capture.firstEntry(t)
	if entry["workspace"] != "ws" {
		t.Fatalf("expected workspace field, got %+v", entry)
	}
	if entry["terminal"] != "main" {
		t.Fatalf("expected terminal field, got %+v", entry)
	}
}

func TestWithSessionSkipsDuplicateMarker(t *testing.T) {
	capture := &logCapture{}
	logger := pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
	key := schema.SessionKey{WorkspaceID: "ws", TerminalID: "main"}
	ctx := ContextWithSessionLogger(context.Background(), logger, key)
	WithSession(ctx, key).Info("hello")

	line := strings.TrimSpace(capture.buf.String())
	if strings.Count(line, `"workspace"`) != 1 {
		t.Fatalf("expected one workspace field, got %s", line)
	}
}

func TestWithSessionZeroKey(t *testing.T) {
	capture := &logCapture{}
	logger := pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
	ctx := pslog.ContextWithLogger(context.Background(), logger)
	WithSession(ctx, schema.SessionKey{}).Info("hello")

	entry := capture.firstEntry(t)
	if _, ok := entry["workspace"]; ok {
		t.Fatalf("did not expect workspace field for zero key: %+v", entry)
	}
}

type logCapture struct {
	buf bytes.Buffer
}

func (c *logCapture) Write(p []byte) (int, error) {
	return c.buf.Write(p)
}

func (c *logCapture) firstEntry(t *testing.T) map[string]any {
	t.Helper()
	data := c.buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx == -1 {
		idx = len(data)
	}
	line := bytes.TrimSpace(data[:idx])
	entry := map[string]any{}
	if err := json.Unmarshal(line, &entry); err != nil {
		t.Fatalf("parse log entry: %v", err)
	}
	return entry
}
