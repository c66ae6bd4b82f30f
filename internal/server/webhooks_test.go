package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"

	"upkeep/internal/config"
	"upkeep/internal/db"
	"upkeep/internal/engine"
	"upkeep/internal/migrate"
)

func newWebhookEngine(t *testing.T) *engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return engine.New(conn, zap.NewNop(), "http://127.0.0.1/evidence")
}

func TestWebhookDelivery(t *testing.T) {
	e := newWebhookEngine(t)
	if _, err := e.CreateOwner(context.Background(), engine.CreateOwnerParams{
		Email: "owner@example.com", Name: "Owner", Password: "password123",
	}); err != nil {
		t.Fatalf("create owner: %v", err)
	}

	received := make(chan webhookEvent, 4)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			t.Errorf("decode delivery: %v", err)
		}
		received <- evt
		w.WriteHeader(http.StatusNoContent)
	})}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	d := &webhookDispatcher{
		engine: e,
		webhooks: []config.WebhookConfig{
			{URL: "http://" + ln.Addr().String(), Events: []string{"account.created"}},
		},
		client:  &http.Client{Timeout: time.Second},
		log:     zap.NewNop(),
		cursors: map[int]int64{0: 0},
	}
	d.dispatchAll(context.Background())

	select {
	case evt := <-received:
		if evt.Type != "account.created" {
			t.Fatalf("delivered type = %s", evt.Type)
		}
	default:
		t.Fatalf("no webhook delivery")
	}
}

func TestWebhookDispatcherStopsOnCancel(t *testing.T) {
	e := newWebhookEngine(t)
	d := &webhookDispatcher{
		engine:   e,
		webhooks: []config.WebhookConfig{{URL: "http://127.0.0.1:0/hook"}},
		client:   &http.Client{Timeout: time.Second},
		log:      zap.NewNop(),
		cursors:  make(map[int]int64),
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher kept running after cancel")
	}
}
