// Package popup hosts provider-hosted sign-in flows for a local process: the flow
// URL is handed to the user and the final redirect lands on a loopback server.
package popup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"
)

const callbackPath = "/callback"

const donePage = `<!doctype html><html><body><p>Sign-in complete. You can close this window.</p></body></html>`

// Loopback implements gateway.PopupOpener with a short-lived echo server on addr.
type Loopback struct {
	addr   string
	open   func(flowURL string) error
	logger *slog.Logger
}

// NewLoopback creates a Loopback listening on addr (host:port) while a flow is open.
// open presents the flow URL to the user, e.g. by printing it.
func NewLoopback(addr string, open func(flowURL string) error, logger *slog.Logger) *Loopback {
	return &Loopback{addr: addr, open: open, logger: logger}
}

// CallbackURL is the return address registered with the provider.
func (l *Loopback) CallbackURL() string {
	return "http://" + l.addr + callbackPath
}

// Open presents flowURL and waits for the provider's redirect to the callback.
// It returns ctx's error when the user gives up.
func (l *Loopback) Open(ctx context.Context, flowURL string) (url.Values, error) {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", l.addr, err)
	}

	result := make(chan url.Values, 1)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Listener = ln
	e.GET(callbackPath, func(c echo.Context) error {
		select {
		case result <- c.QueryParams():
		default:
		}
		return c.HTML(http.StatusOK, donePage)
	})

	serveErr := make(chan error, 1)
	go func() {
		if err := e.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			l.logger.Warn("loopback server shutdown failed", "error", err)
		}
		<-serveErr
	}()

	if err := l.open(flowURL); err != nil {
		return nil, fmt.Errorf("open sign-in page: %w", err)
	}
	l.logger.InfoContext(ctx, "waiting for sign-in callback", "callback", l.CallbackURL())

	select {
	case q := <-result:
		return q, nil
	case err, ok := <-serveErr:
		if ok && err != nil {
			return nil, fmt.Errorf("loopback server: %w", err)
		}
		return nil, errors.New("loopback server stopped")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
