package natsserver

import (
	"io"
	"log/slog"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-transcribe/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStartSkipsWhenNotEmbedded(t *testing.T) {
	for _, cfg := range []config.BusConfig{
		{Enabled: false, Embedded: true},
		{Enabled: true, Embedded: false},
	} {
		srv, err := Start(cfg, newLogger())
		if err != nil || srv != nil {
			t.Fatalf("expected no server for %+v, got %v %v", cfg, srv, err)
		}
		srv.Shutdown()
		if srv.ClientURL() != "" {
			t.Fatal("nil server should have no client url")
		}
	}
}

func TestStartWithToken(t *testing.T) {
	cfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir(), Token: "s3cret"}
	srv, err := Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Shutdown()

	if _, err := nats.Connect(srv.ClientURL()); err == nil {
		t.Fatal("expected unauthenticated connect to fail")
	}
	nc, err := nats.Connect(srv.ClientURL(), nats.Token("s3cret"))
	if err != nil {
		t.Fatalf("connect with token: %v", err)
	}
	nc.Close()
}
