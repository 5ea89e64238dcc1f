package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/natsserver"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBus(t *testing.T) *Client {
	t.Helper()
	cfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir(), ConnectTimeout: 2000}
	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	cfg.Servers = []string{srv.ClientURL()}
	client, err := Connect(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestConnectRequiresServers(t *testing.T) {
	if _, err := Connect(context.Background(), config.BusConfig{}, newLogger()); err == nil {
		t.Fatal("expected error without servers")
	}
}

func TestPublisherBroadcastsStatusAndTranscript(t *testing.T) {
	client := startBus(t)
	if !client.Healthy() {
		t.Fatal("client should be connected")
	}

	statusCh := make(chan *nats.Msg, 4)
	if _, err := client.Conn().ChanSubscribe(protocol.StatusSubject("s-1"), statusCh); err != nil {
		t.Fatalf("subscribe status: %v", err)
	}
	transcriptCh := make(chan *nats.Msg, 4)
	if _, err := client.Conn().ChanSubscribe(protocol.SubjectTranscript, transcriptCh); err != nil {
		t.Fatalf("subscribe transcript: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	pub := NewPublisher(client, "s-1")
	pub.Report("Transcribing …")
	if err := pub.PublishTranscript(context.Background(), protocol.Transcript{Model: "m", Text: "hello", Task: "transcribe"}); err != nil {
		t.Fatalf("publish transcript: %v", err)
	}

	select {
	case msg := <-statusCh:
		var line protocol.StatusLine
		if err := json.Unmarshal(msg.Data, &line); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		if line.SessionID != "s-1" || line.Message != "Transcribing …" {
			t.Fatalf("unexpected status %+v", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no status message received")
	}

	select {
	case msg := <-transcriptCh:
		var tr protocol.Transcript
		if err := json.Unmarshal(msg.Data, &tr); err != nil {
			t.Fatalf("decode transcript: %v", err)
		}
		if tr.SessionID != "s-1" || tr.Text != "hello" || tr.Timestamp.IsZero() {
			t.Fatalf("unexpected transcript %+v", tr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no transcript received")
	}
}

func TestEnsureStreamIsIdempotent(t *testing.T) {
	client := startBus(t)
	for i := 0; i < 2; i++ {
		if err := client.EnsureStream(context.Background()); err != nil {
			t.Fatalf("ensure stream (attempt %d): %v", i+1, err)
		}
	}
}

func TestServeStopRepliesWithResult(t *testing.T) {
	client := startBus(t)
	calls := 0
	sub, err := ServeStop(client, "s-1", func() string {
		calls++
		return "cancellation requested"
	})
	if err != nil {
		t.Fatalf("serve stop: %v", err)
	}
	defer sub.Unsubscribe()

	msg, err := client.Conn().Request(protocol.SubjectControlStop, []byte(`{"session_id":"s-1"}`), 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var reply protocol.StopReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.SessionID != "s-1" || reply.Result != "cancellation requested" {
		t.Fatalf("unexpected reply %+v", reply)
	}

	if _, err := client.Conn().Request(protocol.SubjectControlStop, []byte(`{"session_id":"other"}`), 200*time.Millisecond); err == nil {
		t.Fatal("expected no reply for another session")
	}
	if calls != 1 {
		t.Fatalf("expected one stop call, got %d", calls)
	}
}
