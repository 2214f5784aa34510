package notifier

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// Server is the notifier's own HTTP listener: the WebSocket endpoint plus a
// liveness probe. It runs on its own port, separate from the ingestion API.
type Server struct {
	echo        *echo.Echo
	server      *http.Server
	manager     *Manager
	compression bool
}

// NewServer wires the notifier routes.
func NewServer(m *Manager, enableCompression bool) *Server {
	e := echo.New()
	s := &Server{echo: e, manager: m, compression: enableCompression}
	e.GET("/ws", s.wsHandler)
	e.GET("/healthz", s.healthHandler)
	return s
}

// wsHandler upgrades HTTP connections to WebSocket and delegates to Manager.
func (s *Server) wsHandler(c *echo.Context) error {
	opts := &websocket.AcceptOptions{
		// Origin validation is left to the deployment's ingress; the token
		// gate lives on the API side.
		InsecureSkipVerify: true,
	}
	if s.compression {
		opts.CompressionMode = websocket.CompressionContextTakeover
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), opts)
	if err != nil {
		return err
	}

	// HandleConnection blocks until the WebSocket closes.
	s.manager.HandleConnection(c.Request().Context(), conn, c.Request().RemoteAddr, c.Request().UserAgent())
	return nil
}

func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":   "healthy",
		"sessions": s.manager.ActiveSessions(),
	})
}

// Start listens on addr. Blocks until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
