// Package host is the web server the chat room plugs into. It owns the
// Echo application, the time keeper, the diagnostics sink, and a dynamic
// resource table so plugins can register and unregister URL subspaces at
// runtime (Echo routes themselves cannot be removed).
package host

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"parlor/server/internal/clock"
	"parlor/server/internal/diag"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const subpathKey = "host.subpath"

// Server hosts registered resources over HTTP.
type Server struct {
	echo  *echo.Echo
	tk    clock.TimeKeeper
	sink  diag.Sink
	id    string
	start time.Time

	mu        sync.RWMutex
	resources map[string]echo.HandlerFunc
}

// New constructs a host. A nil keeper or sink falls back to the system
// clock and a discarding sink.
func New(tk clock.TimeKeeper, sink diag.Sink) *Server {
	if tk == nil {
		tk = clock.System()
	}
	if sink == nil {
		sink = diag.Discard()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:      e,
		tk:        tk,
		sink:      sink,
		id:        uuid.NewString(),
		start:     time.Now(),
		resources: make(map[string]echo.HandlerFunc),
	}
	e.GET("/health", s.handleHealth)
	e.Any("/*", s.dispatch)
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// TimeKeeper returns the injected time source.
func (s *Server) TimeKeeper() clock.TimeKeeper {
	return s.tk
}

// Diagnostics returns the host's diagnostics sink.
func (s *Server) Diagnostics() diag.Sink {
	return s.sink
}

// RegisterResource associates a handler with a URL subspace: requests to
// the path and everything beneath it dispatch to the handler. The returned
// closure unregisters the subspace.
func (s *Server) RegisterResource(path []string, handler echo.HandlerFunc) func() {
	key := strings.Join(path, "/")
	s.mu.Lock()
	s.resources[key] = handler
	s.mu.Unlock()
	s.sink("", diag.LevelVerbose, fmt.Sprintf("resource registered at /%s", key))

	return func() {
		s.mu.Lock()
		delete(s.resources, key)
		s.mu.Unlock()
		s.sink("", diag.LevelVerbose, fmt.Sprintf("resource unregistered from /%s", key))
	}
}

// Subpath returns the request path remainder below the matched resource.
func Subpath(c echo.Context) string {
	rest, _ := c.Get(subpathKey).(string)
	return rest
}

// dispatch routes a request to the longest registered resource prefix.
func (s *Server) dispatch(c echo.Context) error {
	p := strings.Trim(c.Request().URL.Path, "/")
	var segments []string
	if p != "" {
		segments = strings.Split(p, "/")
	}

	s.mu.RLock()
	var (
		handler echo.HandlerFunc
		rest    string
	)
	for n := len(segments); n >= 1 && handler == nil; n-- {
		if h, ok := s.resources[strings.Join(segments[:n], "/")]; ok {
			handler = h
			rest = strings.Join(segments[n:], "/")
		}
	}
	s.mu.RUnlock()

	if handler == nil {
		return echo.ErrNotFound
	}
	c.Set(subpathKey, rest)
	return handler(c)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status        string  `json:"status"`
	Instance      string  `json:"instance"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:        "ok",
		Instance:      s.id,
		UptimeSeconds: time.Since(s.start).Seconds(),
	})
}
