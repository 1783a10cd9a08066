// Package chatroom is the plugin entry point: Load wires the chat room
// engine into a host under the configured resource space, and the returned
// Plugin's Unload tears everything down so a later Load starts clean.
package chatroom

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"parlor/server/internal/diag"
	"parlor/server/internal/host"
	"parlor/server/internal/protocol"
	"parlor/server/internal/room"
	"parlor/server/internal/ws"

	"github.com/labstack/echo/v4"
)

// FallbackBody is returned to plain HTTP requests at the chat resource.
const FallbackBody = "Try again, but next time use a WebSocket.  Kthxbye!"

const (
	defaultTellTimeout         = 1.0
	defaultMinQuestionCooldown = 10.0
	defaultMaxQuestionCooldown = 30.0
)

// Config is the plugin configuration object. Space is required; everything
// else is optional. Pointer fields distinguish "absent" from zero.
type Config struct {
	Space         string         `json:"space"`
	Nicknames     []string       `json:"nicknames"`
	InitialPoints map[string]int `json:"initialPoints"`
	TellTimeout   *float64       `json:"tellTimeout"`
	MathQuiz      *QuizConfig    `json:"mathQuiz"`
}

// QuizConfig bounds the cooldown between math questions. Min greater than
// max is tolerated; the bounds are swapped.
type QuizConfig struct {
	MinCoolDown *float64 `json:"minCoolDown"`
	MaxCoolDown *float64 `json:"maxCoolDown"`
}

// Plugin is one loaded chat room engine.
type Plugin struct {
	room       *room.Room
	unregister func()
	unloadOnce sync.Once
}

// Load validates the configuration, starts a fresh Room, and registers the
// resource space on the host. Configuration errors emit an error
// diagnostic and leave nothing registered.
func Load(h *host.Server, cfg Config) (*Plugin, error) {
	sink := h.Diagnostics()

	if strings.TrimSpace(cfg.Space) == "" {
		sink("", diag.LevelError, "no 'space' URI in configuration")
		return nil, errors.New("no 'space' URI in configuration")
	}
	spaceURI, err := url.Parse(cfg.Space)
	if err != nil {
		sink("", diag.LevelError, "unable to parse 'space' URI in configuration")
		return nil, fmt.Errorf("parse 'space' URI: %w", err)
	}
	space := strings.Trim(spaceURI.Path, "/")
	if space == "" {
		sink("", diag.LevelError, "no usable path in 'space' URI in configuration")
		return nil, errors.New("no usable path in 'space' URI in configuration")
	}

	roomCfg := room.Config{
		Nicknames:           cfg.Nicknames,
		InitialPoints:       cfg.InitialPoints,
		TellTimeout:         defaultTellTimeout,
		MinQuestionCooldown: defaultMinQuestionCooldown,
		MaxQuestionCooldown: defaultMaxQuestionCooldown,
	}
	if cfg.TellTimeout != nil {
		roomCfg.TellTimeout = *cfg.TellTimeout
	}
	if cfg.MathQuiz != nil {
		if cfg.MathQuiz.MinCoolDown != nil {
			roomCfg.MinQuestionCooldown = *cfg.MathQuiz.MinCoolDown
		}
		if cfg.MathQuiz.MaxCoolDown != nil {
			roomCfg.MaxQuestionCooldown = *cfg.MathQuiz.MaxCoolDown
		}
	}

	rm := room.New(roomCfg, h.TimeKeeper(), sink)
	rm.Start()

	p := &Plugin{room: rm}
	p.unregister = h.RegisterResource(strings.Split(space, "/"), p.handle)
	return p, nil
}

// Unload unregisters the resource space and stops the room. Idempotent.
func (p *Plugin) Unload() {
	p.unloadOnce.Do(func() {
		p.unregister()
		p.room.Stop()
	})
}

// Room exposes the engine, including its test back doors.
func (p *Plugin) Room() *room.Room {
	return p.room
}

func (p *Plugin) handle(c echo.Context) error {
	switch host.Subpath(c) {
	case "":
		return p.handleChat(c)
	case "users":
		return p.handleUsers(c)
	default:
		return echo.ErrNotFound
	}
}

// handleChat admits one websocket session. Plain HTTP requests get the
// fallback body; a failed handshake has already been answered by the
// upgrader and the session record is erased either way.
func (p *Plugin) handleChat(c echo.Context) error {
	err := p.room.AddUser(func(d room.Delegates) (room.Channel, func(), error) {
		ch, err := ws.Open(c.Response(), c.Request(), ws.Delegates{
			OnText:  d.OnText,
			OnClose: d.OnClose,
			Diag:    d.Diag,
		})
		if err != nil {
			return nil, nil, err
		}
		return ch, ch.Unsubscribe, nil
	})
	if errors.Is(err, ws.ErrNotWebSocket) {
		return c.Blob(http.StatusOK, "text/plain", []byte(FallbackBody))
	}
	return nil
}

type usersResponse struct {
	Clients int                  `json:"clients"`
	Users   []protocol.UserEntry `json:"users"`
	Stats   room.Stats           `json:"stats"`
}

// handleUsers is a read-only view of the in-memory room state.
func (p *Plugin) handleUsers(c echo.Context) error {
	return c.JSON(http.StatusOK, usersResponse{
		Clients: p.room.SessionCount(),
		Users:   p.room.Users(),
		Stats:   p.room.Stats(),
	})
}
