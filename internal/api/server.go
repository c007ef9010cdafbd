// Package api serves quantization tuning results and absorption reports
// over HTTP for inspection while a long-running pass executes.
package api

import (
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/crush/internal/tuning"
)

// AbsorptionReport is the JSON shape of an absorption analysis result.
type AbsorptionReport struct {
	AbsorbToLayer map[string][]string `json:"absorb_to_layer"`
	NoAbsorb      []string            `json:"no_absorb"`
}

type Server struct {
	store  *tuning.Store
	report *AbsorptionReport
}

// NewServer serves runs from store; report may be nil when no absorption
// analysis has been loaded.
func NewServer(store *tuning.Store, report *AbsorptionReport) *Server {
	return &Server{store: store, report: report}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/runs", s.handleListRuns)
	e.GET("/v1/runs/:id", s.handleGetRun)
	e.GET("/v1/absorb", s.handleAbsorbReport)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"status": "ok", "runs": s.store.Len()})
}

func (s *Server) handleListRuns(c *echo.Context) error {
	runs := s.store.List()
	return c.JSON(http.StatusOK, map[string]any{
		"object": "list",
		"data":   runs,
	})
}

func (s *Server) handleGetRun(c *echo.Context) error {
	run, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "no run with that id")
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) handleAbsorbReport(c *echo.Context) error {
	if s.report == nil {
		return writeNotFound(c, "no absorption report loaded")
	}
	return c.JSON(http.StatusOK, s.report)
}

func writeNotFound(c *echo.Context, msg string) error {
	return c.JSON(http.StatusNotFound, map[string]any{
		"error": map[string]string{
			"type":    "not_found_error",
			"message": msg,
		},
	})
}
