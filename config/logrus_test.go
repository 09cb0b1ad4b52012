package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestNewLogger(t *testing.T) {
	l := newLogger("debug", "text")
	if l.GetLevel() != logrus.DebugLevel {
		t.Fatalf("expected debug, got %s", l.GetLevel())
	}
	if _, ok := l.Formatter.(*logrus.TextFormatter); !ok {
		t.Fatalf("expected text formatter, got %T", l.Formatter)
	}
	l = newLogger("nonsense", "")
	if l.GetLevel() != logrus.InfoLevel {
		t.Fatalf("expected info fallback, got %s", l.GetLevel())
	}
	if _, ok := l.Formatter.(*logrus.JSONFormatter); !ok {
		t.Fatalf("expected json formatter, got %T", l.Formatter)
	}
}

func TestConnectBackoff(t *testing.T) {
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		if got := connectBackoff(i + 1); got != w {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, w, got)
		}
	}
}

func TestLogError(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger("info", "")
	l.SetOutput(&buf)

	LogError(l.WithField("run_id", "r-1"), "SafeSyncEngine", "finish", "supersede", "2026-10-01", errors.New("db down"))
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	want := map[string]any{
		"level": "error", "msg": "db down", "module": "SafeSyncEngine", "funcName": "finish",
		"context": "supersede", "data": "2026-10-01", "run_id": "r-1",
	}
	for k, v := range want {
		if line[k] != v {
			t.Fatalf("field %s: expected %v, got %v", k, v, line[k])
		}
	}

	buf.Reset()
	LogError(l, "NameSyncJob", "Run", "poll", nil, errors.New("boom"))
	if bytes.Contains(buf.Bytes(), []byte(`"data"`)) {
		t.Fatalf("nil data must not be logged: %s", buf.String())
	}

	var nilLogger *logrus.Logger
	LogError(nilLogger, "x", "y", "z", nil, errors.New("ignored"))
	LogError(l, "x", "y", "z", nil, nil)
}
