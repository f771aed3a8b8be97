package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewParsesLevelAndFallsBack(t *testing.T) {
	if got := New(LoggingConfig{Level: "debug"}).Logger.GetLevel(); got != logrus.DebugLevel {
		t.Fatalf("level = %s, want debug", got)
	}
	if got := New(LoggingConfig{Level: "loud"}).Logger.GetLevel(); got != logrus.InfoLevel {
		t.Fatalf("level = %s, want info fallback", got)
	}
}

func TestComponentFieldIsEmitted(t *testing.T) {
	l := New(LoggingConfig{Level: "info", Format: "json"}).Component("hierarchy")
	var buf bytes.Buffer
	l.Logger.SetOutput(&buf)

	l.WithField("agent_id", "a1").Info("spawned")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["component"] != "hierarchy" || line["agent_id"] != "a1" || line["msg"] != "spawned" {
		t.Fatalf("unexpected log line: %v", line)
	}
}

func TestNewNopDiscards(t *testing.T) {
	l := NewNop()
	l.Info("nothing")
	if l.Component("") != l {
		t.Fatal("empty component should return the same logger")
	}
}
