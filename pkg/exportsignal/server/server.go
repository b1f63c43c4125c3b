// Package server exposes the export trigger over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ukaji3/exportsignal/pkg/exportsignal"
	"github.com/ukaji3/exportsignal/pkg/exportsignal/logging"
	"github.com/ukaji3/exportsignal/pkg/exportsignal/models"
)

// Signaler is the subset of *exportsignal.Signaler the server drives.
type Signaler interface {
	Ref() models.CellRef
	Snapshot(ctx context.Context) (models.ControlSnapshot, error)
	WriteCell(ctx context.Context, address, value string) error
	TriggerExport(ctx context.Context, opts ...exportsignal.TriggerOption) (*models.TriggerResult, error)
}

// Server serves the trigger and control cell endpoints.
type Server struct {
	signaler Signaler
	logger   logging.Logger
	router   *gin.Engine
}

// Option customizes server construction.
type Option func(*Server)

// WithLogger overrides the default no-op logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New builds the router.
//
//	GET  /healthz        liveness
//	GET  /api/control    current control cell value
//	PUT  /api/control    set the control cell ({"value": "..."})
//	POST /api/export     run the export trigger (optional "name" query or JSON field)
func New(sig Signaler, opts ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		signaler: sig,
		logger:   logging.Nop(),
		router:   gin.New(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router.Use(gin.Recovery(), s.requestLogger())
	s.router.GET("/healthz", s.handleHealth)
	api := s.router.Group("/api")
	api.GET("/control", s.handleGetControl)
	api.PUT("/control", s.handlePutControl)
	api.POST("/export", s.handleExport)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("http trigger listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.logger.Printf("http trigger shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Printf("%s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleGetControl(c *gin.Context) {
	snap, err := s.signaler.Snapshot(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

type controlRequest struct {
	Value *string `json:"value"`
}

func (s *Server) handlePutControl(c *gin.Context) {
	var req controlRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Value == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": `body must be {"value": "<string>"}`})
		return
	}
	ref := s.signaler.Ref()
	if err := s.signaler.WriteCell(c.Request.Context(), ref.String(), *req.Value); err != nil {
		s.fail(c, err)
		return
	}
	s.handleGetControl(c)
}

type exportRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleExport(c *gin.Context) {
	name := strings.TrimSpace(c.Query("name"))
	if name == "" && c.Request.ContentLength != 0 {
		var req exportRequest
		// A missing or malformed body is not an error, matching the query-only form
		if err := c.ShouldBindJSON(&req); err == nil {
			name = strings.TrimSpace(req.Name)
		}
	}
	var opts []exportsignal.TriggerOption
	if name != "" {
		note := "HTTP Function Trigger: " + name
		s.logger.Printf("%s", note)
		opts = append(opts, exportsignal.WithNote(note))
	}

	res, err := s.signaler.TriggerExport(c.Request.Context(), opts...)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"name":   name,
		"result": res,
	})
}

func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, exportsignal.ErrTriggerInProgress):
		status = http.StatusConflict
	case errors.Is(err, exportsignal.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, exportsignal.ErrInvalidCellRef), errors.Is(err, exportsignal.ErrUnrepresentableValue):
		status = http.StatusBadRequest
	case errors.Is(err, exportsignal.ErrSheetNotFound):
		status = http.StatusNotFound
	}
	s.logger.Printf("%s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
	c.JSON(status, gin.H{"error": err.Error()})
}
