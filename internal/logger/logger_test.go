package logger

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

func TestWithComponent(t *testing.T) {
	log := Discard()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Discard()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Discard()
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestConfigureFileOutputWithRotation(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Discard()
	path := filepath.Join(t.TempDir(), "arbiter.log")
	if err := log.Configure("debug", "text", path, 7); err != nil {
		t.Fatalf("configure: %v", err)
	}
	log.WithComponent("test").Info("hello")
}

func TestJSONFieldNames(t *testing.T) {
	log := Discard()
	log.SetFormatter(jsonFormatter())
	var buf bytes.Buffer
	log.SetOutput(&buf)

	LogPerformance(log.WithComponent("cache"), "get", 3*time.Millisecond, nil)
	if buf.Len() != 0 {
		t.Fatalf("debug entry should be filtered at info level: %s", buf.String())
	}

	log.WithComponent("cache").WithFields(Fields{"key": "price:BTC:"}).Info("hit")
	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v (%s)", err, buf.String())
	}
	if m["message"] != "hit" || m["component"] != "cache" || m["key"] != "price:BTC:" {
		t.Fatalf("unexpected fields: %v", m)
	}
	if _, ok := m["timestamp"]; !ok {
		t.Fatalf("timestamp missing: %v", m)
	}
}
