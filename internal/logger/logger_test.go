package logger

import (
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSanitizeRedactsAndHashes(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := &Logger{SugaredLogger: zap.New(core).Sugar()}

	l.Info("provider call", "openai_api_key", "sk-live", "session_id", "abc-123", "page", 4)

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["openai_api_key"] != "[REDACTED]" {
		t.Fatalf("api key not redacted: %v", fields["openai_api_key"])
	}
	session, _ := fields["session_id"].(string)
	if !strings.HasPrefix(session, "hash:") || strings.Contains(session, "abc-123") {
		t.Fatalf("session id not hashed: %v", fields["session_id"])
	}
	if fields["page"] != int64(4) {
		t.Fatalf("plain value altered: %#v", fields["page"])
	}
}

func TestSanitizeOddPairs(t *testing.T) {
	out := sanitize([]any{"key", "value", "dangling"})
	if len(out) != 3 || out[2] != "dangling" {
		t.Fatalf("unexpected output %v", out)
	}
}

func TestHashIsStable(t *testing.T) {
	if hashValue("s1") != hashValue("s1") {
		t.Fatal("hash must be stable")
	}
	if hashValue("s1") == hashValue("s2") {
		t.Fatal("distinct ids must hash differently")
	}
}
