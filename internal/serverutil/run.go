package serverutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// DefaultShutdownTimeout bounds how long Run waits for in-flight requests
// once the context is cancelled.
const DefaultShutdownTimeout = 10 * time.Second

// Config controls how Run serves an HTTP server.
type Config struct {
	Server          *http.Server
	ShutdownTimeout time.Duration
	// Ready, when non-nil, is closed once the listener is accepting
	// connections. Useful for tests that need to wait for startup.
	Ready chan<- struct{}
}

// Run serves cfg.Server until ctx is cancelled, then shuts it down
// gracefully. It returns nil on a clean shutdown and the serve error
// otherwise.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return errors.New("serverutil: server must not be nil")
	}
	addr := cfg.Server.Addr
	if addr == "" {
		addr = ":http"
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	if cfg.Ready != nil {
		close(cfg.Ready)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- cfg.Server.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := cfg.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
