package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fabfab/ragchat/chat"
)

// maxMessageSize bounds one client envelope, uploaded CSV files included.
const maxMessageSize = 32 << 20

// Server exposes the browser chat shell: the single page UI and one
// websocket per session.
type Server struct {
	manager  *chat.Manager
	logger   *zap.Logger
	echo     *echo.Echo
	upgrader websocket.Upgrader
}

type messageResponse struct {
	Message  string `json:"message"`
	Sessions int    `json:"sessions"`
}

// New constructs a Server serving sessions from manager.
func New(manager *chat.Manager, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		manager: manager,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	s.echo = s.routes()
	return s
}

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	e.GET("/", s.handleRoot)
	e.GET("/healthz", s.handleHealth)
	e.GET("/ws", s.handleWebSocket)
	e.GET("/assets/*", echo.WrapHandler(s.staticHandler()))
	return e
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.logger.Info("chat shell listening", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, messageResponse{Message: "ok", Sessions: s.manager.Len()})
}
