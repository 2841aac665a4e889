package serverutil

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestRunServesAndShutsDown(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "pong")
	})

	srv := &http.Server{Addr: "127.0.0.1:0", Handler: mux}
	ready := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Config{Server: srv, Ready: ready, ShutdownTimeout: time.Second})
	}()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not become ready")
	}

	// Addr stays ":0" on the Server struct; hit the resolved listener
	// address via Shutdown semantics instead. Cancelling the context must
	// return a clean shutdown.
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRunRequiresServer(t *testing.T) {
	if err := Run(context.Background(), Config{}); err == nil {
		t.Fatal("expected error for nil server")
	}
}

func TestRunListenError(t *testing.T) {
	srv := &http.Server{Addr: "256.256.256.256:99999"}
	if err := Run(context.Background(), Config{Server: srv}); err == nil {
		t.Fatal("expected listen error")
	}
}
