package api

import (
	"embed"
	"fmt"
	"io/fs"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

//go:embed ui/dist
var uiFS embed.FS

var uiContent fs.FS

func init() {
	var err error
	uiContent, err = fs.Sub(uiFS, "ui/dist")
	if err != nil {
		panic(fmt.Errorf("prepare ui filesystem: %w", err))
	}
}

func (s *Server) staticHandler() http.Handler {
	return http.FileServer(http.FS(uiContent))
}

func (s *Server) handleRoot(c echo.Context) error {
	data, err := fs.ReadFile(uiContent, "index.html")
	if err != nil {
		s.logger.Error("load ui index", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "ui unavailable")
	}
	return c.HTMLBlob(http.StatusOK, data)
}
