// Package api is the console's HTTP surface: a JSON API over the feature
// catalog, form validation and the prediction backend, plus one WebSocket
// session per open console.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ci-outcome-console/internal/catalog"
	"github.com/ci-outcome-console/internal/domain"
	"github.com/ci-outcome-console/internal/form"
	"github.com/ci-outcome-console/internal/middleware"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const version = "1.0.0"

// Server represents the console HTTP server
type Server struct {
	configManager domain.ConfigManager
	backend       domain.Backend
	catalog       *catalog.Store
	layouts       *form.Cache
	logger        *logrus.Logger
	router        *gin.Engine
	server        *http.Server

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewServer creates a new console server. The catalog store is shared by all
// sessions and is expected to be initialised by the caller.
func NewServer(configManager domain.ConfigManager, backend domain.Backend, store *catalog.Store, logger *logrus.Logger) (*Server, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if store == nil {
		return nil, fmt.Errorf("catalog store is required")
	}
	cfg := configManager.GetConfig()

	layouts, err := form.NewCache(cfg.Catalog.LayoutCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create layout cache: %w", err)
	}

	// Set Gin mode based on environment
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	if gin.Mode() == gin.DebugMode {
		router.Use(gin.Logger())
	}
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.AuditLogger(logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(cfg.Server.AllowedOrigins))

	s := &Server{
		configManager: configManager,
		backend:       backend,
		catalog:       store,
		layouts:       layouts,
		logger:        logger,
		router:        router,
		sessions:      make(map[string]*Session),
	}

	s.setupRoutes()

	return s, nil
}

// Handler returns the HTTP handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.configManager.GetServerConfig()
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", addr).Info("Console listening")
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

	// Hijacked WebSocket connections are not tracked by Shutdown.
	s.closeSessions()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	cfg := s.configManager.GetServerConfig()

	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws", s.handleWebSocket)

	routes := s.router.Group("/api")
	routes.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	{
		routes.GET("/catalog", s.handleCatalog)
		routes.POST("/catalog/reload", s.handleCatalogReload)

		routes.GET("/form", s.handleForm)
		routes.POST("/form/validate", s.handleValidate)

		routes.POST("/predict", s.handlePredict)
		routes.POST("/explain", s.handleExplain)

		routes.GET("/patients/search", s.handleSearchPatients)
		routes.POST("/patients", s.handleCreatePatient)
		routes.GET("/patients/:id", s.handleGetPatient)
		routes.PUT("/patients/:id", s.handleUpdatePatient)
		routes.POST("/patients/:id/predict", s.handlePredictPatient)
		routes.GET("/patients/:id/explain", s.handleExplainPatient)
		routes.GET("/patients/:id/validate", s.handleValidatePatient)

		routes.POST("/feedback", s.handleSubmitFeedback)
		routes.GET("/feedback/:id", s.handleGetFeedback)

		routes.GET("/config/threshold", s.handleThreshold)
		routes.GET("/model/card", s.handleModelCard)
		routes.GET("/model/info", s.handleModelInfo)
	}
}

func (s *Server) addSession(sess *Session) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.id] = sess
	return len(s.sessions)
}

func (s *Server) removeSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// SessionCount returns the number of open WebSocket sessions
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
}
