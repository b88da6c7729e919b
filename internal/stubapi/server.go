// Package stubapi is a self-contained reference implementation of the
// prediction backend the console talks to. It serves the feature catalog,
// an in-memory patient table, a deterministic scoring model and durable
// feedback storage.
package stubapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ci-outcome-console/internal/domain"
	"github.com/ci-outcome-console/internal/feedback"
	"github.com/ci-outcome-console/internal/middleware"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Server represents the reference backend HTTP server
type Server struct {
	cfg         *domain.Config
	catalog     *Catalog
	model       *Model
	patients    *PatientIndex
	predictions *PredictionLog
	feedback    feedback.Store
	logger      *logrus.Logger
	router      *gin.Engine
	server      *http.Server
}

// Option customises a Server.
type Option func(*Server)

// WithPatients replaces the seeded patient index.
func WithPatients(idx *PatientIndex) Option {
	return func(s *Server) { s.patients = idx }
}

// WithModel replaces the default scoring model.
func WithModel(m *Model) Option {
	return func(s *Server) { s.model = m }
}

// NewServer creates a new reference backend instance
func NewServer(cfg *domain.Config, store feedback.Store, logger *logrus.Logger, opts ...Option) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("feedback store is required")
	}
	catalog, err := LoadCatalog()
	if err != nil {
		return nil, fmt.Errorf("failed to load feature catalog: %w", err)
	}

	s := &Server{
		cfg:         cfg,
		catalog:     catalog,
		model:       DefaultModel(),
		predictions: NewPredictionLog(),
		feedback:    store,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.patients == nil {
		s.patients = NewPatientIndex()
		SeedPatients(s.patients)
	}

	// Set Gin mode based on environment
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.AuditLogger(logger))
	router.Use(middleware.CORS(cfg.Server.AllowedOrigins))
	router.Use(middleware.RequestTimeout(cfg.Server.RequestTimeout))
	s.router = router

	s.setupRoutes()

	logger.WithFields(logrus.Fields{
		"features": len(catalog.Definitions()),
		"sections": len(catalog.SectionOrder()),
		"patients": s.patients.Len(),
	}).Info("Reference backend initialised")

	return s, nil
}

// Handler returns the HTTP handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.StubAPI.Host, s.cfg.StubAPI.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", addr).Info("Reference backend listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	// Search lives outside the versioned prefix for older frontends.
	s.router.GET("/patients/search", s.handleSearchPatients)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/features/definitions", s.handleDefinitions)
		v1.GET("/features/locales/:locale", s.handleLocales)
		v1.GET("/features/labels", s.handleRawLabels)

		v1.GET("/patients/", s.handleListPatients)
		v1.POST("/patients/", s.handleCreatePatient)
		v1.GET("/patients/search", s.handleSearchPatients)
		v1.GET("/patients/:id", s.handleGetPatient)
		v1.PUT("/patients/:id", s.handleUpdatePatient)
		v1.GET("/patients/:id/predict", s.handlePredictPatient)
		v1.GET("/patients/:id/explainer", s.handleExplainPatient)
		v1.GET("/patients/:id/validate", s.handleValidatePatient)

		v1.POST("/predict/", s.handlePredict)
		v1.GET("/predictions/:id", s.handleGetPrediction)
		v1.POST("/explainer/explain", s.handleExplain)

		v1.POST("/feedback/", s.handleCreateFeedback)
		v1.GET("/feedback/:id", s.handleGetFeedback)

		v1.GET("/config/prediction-threshold", s.handleThreshold)
		v1.GET("/utils/health-check/", s.handleHealth)
		v1.GET("/utils/model-info/", s.handleModelInfo)

		v1.GET("/model-card", s.handleModelCard)
		v1.GET("/model-card/markdown", s.handleModelCardMarkdown)
	}
}

// abort writes the error body the console's backend client understands.
func abort(c *gin.Context, status int, detail string) {
	c.AbortWithStatusJSON(status, gin.H{"detail": detail})
}
