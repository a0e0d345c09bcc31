package api

import (
	"github.com/coder/websocket"
	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"
)

// wsHandler upgrades HTTP connections to WebSocket and hands them to
// the hub. Clients pass ?client_id= to keep their replay cursor across
// reconnects; without one each connection gets a throwaway identity.
func (s *Server) wsHandler(c *echo.Context) error {
	if s.hub == nil {
		return echo.NewHTTPError(503, "WebSocket not available")
	}

	clientID := c.QueryParam("client_id")
	if clientID == "" {
		clientID = "anon-" + uuid.New().String()
	}

	// Cross-origin connects are rejected unless the origin matches the
	// configured allowlist. "*" disables the check.
	opts := &websocket.AcceptOptions{}
	for _, origin := range s.cfg.AllowedOrigins {
		if origin == "*" {
			opts = &websocket.AcceptOptions{InsecureSkipVerify: true}
			break
		}
		opts.OriginPatterns = append(opts.OriginPatterns, origin)
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), opts)
	if err != nil {
		return err
	}

	// HandleConnection blocks until the WebSocket closes.
	s.hub.HandleConnection(c.Request().Context(), conn, clientID)
	return nil
}
