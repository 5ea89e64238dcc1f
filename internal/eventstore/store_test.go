package eventstore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "events.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Record(ctx, "s", protocol.EventTranscript, map[string]string{"text": "x"}); err != nil {
		t.Fatalf("record on ephemeral store: %v", err)
	}
	events, err := es.ListSessionEvents(ctx, "s", 10)
	if err != nil || events != nil {
		t.Fatalf("expected no events, got %v %v", events, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})

	sessionID := "session-123"
	if err := es.AppendSession(context.Background(), sessionID, "loqa-asr"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{SessionID: sessionID, Type: "test", Payload: []byte("hello")}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	events, err := es.ListSessionEvents(context.Background(), sessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if string(events[0].Payload) != "hello" {
		t.Fatalf("unexpected payload: %s", events[0].Payload)
	}
}

func TestRecordAndStatusSink(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent"})
	ctx := context.Background()
	if err := es.AppendSession(ctx, "s-1", "loqa-asr"); err != nil {
		t.Fatalf("append session: %v", err)
	}

	sink := es.StatusSink("s-1")
	sink.Report("Transcribing …")
	tr := protocol.Transcript{Model: "whisper-small-en", Text: "hello world", Task: "transcribe"}
	if err := es.Record(ctx, "s-1", protocol.EventTranscript, tr); err != nil {
		t.Fatalf("record transcript: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "s-1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != protocol.EventStatus || events[1].Type != protocol.EventTranscript {
		t.Fatalf("unexpected order %s, %s", events[0].Type, events[1].Type)
	}
	var line protocol.StatusLine
	if err := json.Unmarshal(events[0].Payload, &line); err != nil || line.Message != "Transcribing …" {
		t.Fatalf("unexpected status payload %s (%v)", events[0].Payload, err)
	}

	byType, err := es.ListEventsByType(ctx, protocol.EventTranscript, 5)
	if err != nil {
		t.Fatalf("list by type: %v", err)
	}
	var got protocol.Transcript
	if len(byType) != 1 || json.Unmarshal(byType[0].Payload, &got) != nil || got.Text != "hello world" {
		t.Fatalf("unexpected transcripts %+v", byType)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	cfg := config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "events.db"),
		RetentionMode: "persistent",
		RetentionDays: 1,
		MaxSessions:   1,
	}
	ctx := context.Background()

	prev := openStore(t, cfg)
	for i, id := range []string{"old-session", "older-session"} {
		prev.clock = func() time.Time { return time.Date(2025, 1, 1, i, 0, 0, 0, time.UTC) }
		if err := prev.AppendSession(ctx, id, "loqa-asr"); err != nil {
			t.Fatalf("append session: %v", err)
		}
		if err := prev.AppendEvent(ctx, Event{SessionID: id, Type: "note"}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	if err := prev.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	es := openStore(t, cfg)
	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(ctx, "new-session", "loqa-asr"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	for _, id := range []string{"old-session", "older-session"} {
		events, err := es.ListSessionEvents(ctx, id, 10)
		if err != nil {
			t.Fatalf("list events: %v", err)
		}
		if len(events) != 0 {
			t.Fatalf("expected %s pruned", id)
		}
	}
	if err := es.Record(ctx, "new-session", "note", map[string]string{"k": "v"}); err != nil {
		t.Fatalf("record on live session: %v", err)
	}
}

func TestPruneKeepsLiveSession(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 30, MaxSessions: 1})
	ctx := context.Background()
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	es.clock = func() time.Time { return start }
	if err := es.AppendSession(ctx, "live", "loqa-asr"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.Record(ctx, "live", protocol.EventStatus, map[string]string{"message": "Ready"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	es.clock = func() time.Time { return start.Add(31 * 24 * time.Hour) }
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}
	tr := protocol.Transcript{SessionID: "live", Model: "m", Text: "still here", Task: "transcribe"}
	if err := es.Record(ctx, "live", protocol.EventTranscript, tr); err != nil {
		t.Fatalf("record after prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "live", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].Type != protocol.EventTranscript {
		t.Fatalf("expected only the post-prune transcript, got %+v", events)
	}
	got, err := es.RecentTranscripts(ctx, 5)
	if err != nil || len(got) != 1 || got[0].Text != "still here" {
		t.Fatalf("expected transcript history to survive prune, got %+v %v", got, err)
	}
}

func TestRecentTranscripts(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent"})
	ctx := context.Background()
	if err := es.AppendSession(ctx, "s-1", "loqa-asr"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	for _, text := range []string{"first", "second"} {
		tr := protocol.Transcript{SessionID: "s-1", Model: "m", Text: text, Task: "transcribe"}
		if err := es.Record(ctx, "s-1", protocol.EventTranscript, tr); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "s-1", Type: protocol.EventTranscript, Payload: []byte("{broken")}); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := es.RecentTranscripts(ctx, 10)
	if err != nil {
		t.Fatalf("recent transcripts: %v", err)
	}
	if len(got) != 2 || got[0].Text != "second" || got[1].Text != "first" {
		t.Fatalf("unexpected transcripts %+v", got)
	}
}

func TestRunRetentionStopsWithContext(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session", MaxSessions: 1})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		es.RunRetention(ctx, 10*time.Millisecond)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("retention loop did not stop")
	}
}
