package manager

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// listener is one embedded HTTP server. done is closed once Serve has returned.
type listener struct {
	port      int
	id        string
	addr      string
	startedAt time.Time
	ln        net.Listener
	srv       *http.Server
	cancel    context.CancelFunc
	done      chan struct{}
}

func newListener(port int, id string, ln net.Listener, h http.Handler, readHeaderTimeout time.Duration) *listener {
	return &listener{
		port:      port,
		id:        id,
		addr:      ln.Addr().String(),
		startedAt: time.Now().UTC(),
		ln:        ln,
		srv: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: readHeaderTimeout,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		done: make(chan struct{}),
	}
}

func (l *listener) run(ctx context.Context, shutdownTimeout time.Duration, logger *slog.Logger) {
	defer close(l.done)

	errCh := make(chan error, 1)
	go func() { errCh <- l.srv.Serve(l.ln) }()

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		err := l.srv.Shutdown(sctx)
		cancel()
		if err != nil {
			logger.Warn("graceful shutdown timed out, closing", "port", l.port, "error", err)
			_ = l.srv.Close()
		}
		<-errCh
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server exited", "port", l.port, "id", l.id, "error", err)
		}
	}
}

// buildHandler returns the handler a new listener serves, wrapped by echo when configured.
func (m *Manager) buildHandler() http.Handler {
	h := m.handler
	if h == nil {
		h = http.NotFoundHandler()
	}
	if m.cfg.Engine != EngineEcho {
		return h
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Any("/", echo.WrapHandler(h))
	e.Any("/*", echo.WrapHandler(h))
	return e
}
