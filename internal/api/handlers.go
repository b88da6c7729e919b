package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ci-outcome-console/internal/catalog"
	"github.com/ci-outcome-console/internal/domain"
	"github.com/ci-outcome-console/internal/form"
	"github.com/ci-outcome-console/internal/middleware"
	"github.com/ci-outcome-console/internal/search"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// FormRequest carries form values keyed by normalized or raw feature name.
type FormRequest struct {
	Values map[string]interface{} `json:"values"`
}

// ValidationResponse is the answer of the form validation endpoint.
type ValidationResponse struct {
	Valid        bool              `json:"valid"`
	Errors       map[string]string `json:"errors"`
	ActiveOthers []string          `json:"active_other_fields"`
	Payload      domain.Payload    `json:"payload,omitempty"`
}

// PredictionResponse pairs a backend prediction with the payload it was made from.
type PredictionResponse struct {
	Result  *domain.PredictionRecord `json:"result"`
	Payload domain.Payload           `json:"payload"`
}

// ExplanationResponse pairs an explanation with the payload it was made from.
type ExplanationResponse struct {
	Result  *domain.ExplanationResult `json:"result"`
	Payload domain.Payload            `json:"payload"`
}

type catalogResponse struct {
	catalog.Snapshot
	Ready bool `json:"ready"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	snap := s.catalog.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"version":   version,
		"sessions":  s.SessionCount(),
		"catalog": gin.H{
			"ready":    snap.Ready(),
			"loading":  snap.Loading,
			"error":    snap.Err,
			"locale":   snap.Locale,
			"version":  snap.Version,
			"features": len(snap.Definitions),
		},
	})
}

func (s *Server) handleCatalog(c *gin.Context) {
	snap := s.catalog.Snapshot()
	c.JSON(http.StatusOK, catalogResponse{Snapshot: snap, Ready: snap.Ready()})
}

func (s *Server) handleCatalogReload(c *gin.Context) {
	s.catalog.SetLocale(c.Request.Context(), c.Query("locale"))

	snap := s.catalog.Snapshot()
	status := http.StatusOK
	if snap.Err != "" {
		status = http.StatusBadGateway
		s.logger.WithFields(logrus.Fields{
			"locale": snap.Locale,
			"error":  snap.Err,
		}).Warn("Catalog reload failed")
	}
	c.JSON(status, catalogResponse{Snapshot: snap, Ready: snap.Ready()})
}

func (s *Server) handleForm(c *gin.Context) {
	layout, err := s.layout(c.Request.Context(), c.Query("locale"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, layout)
}

func (s *Server) handleValidate(c *gin.Context) {
	state, ok := s.bindForm(c)
	if !ok {
		return
	}

	payload, err := state.Submit()
	view := state.View()
	resp := ValidationResponse{
		Valid:        err == nil,
		Errors:       view.Errors,
		ActiveOthers: view.ActiveOthers,
	}
	if err == nil {
		resp.Payload = payload
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePredict(c *gin.Context) {
	persist, ok := persistParam(c)
	if !ok {
		return
	}
	state, ok := s.bindForm(c)
	if !ok {
		return
	}
	s.predict(c, state, persist)
}

func (s *Server) handleExplain(c *gin.Context) {
	state, ok := s.bindForm(c)
	if !ok {
		return
	}
	payload, err := state.Submit()
	if err != nil {
		writeValidation(c, state, err)
		return
	}

	result, err := s.backend.Explain(c.Request.Context(), payload)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ExplanationResponse{Result: result, Payload: payload})
}

func (s *Server) handleSearchPatients(c *gin.Context) {
	query := search.Normalize(c.Query("q"))
	if query == "" {
		c.JSON(http.StatusOK, []domain.SearchResult{})
		return
	}

	results, err := s.backend.SearchPatients(c.Request.Context(), query)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if results == nil {
		results = []domain.SearchResult{}
	}
	c.JSON(http.StatusOK, results)
}

func (s *Server) handleGetPatient(c *gin.Context) {
	rec, err := s.backend.GetPatient(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleCreatePatient(c *gin.Context) {
	var in domain.PatientInput
	if err := c.ShouldBindJSON(&in); err != nil {
		writeBadRequest(c, err)
		return
	}
	rec, err := s.backend.CreatePatient(c.Request.Context(), in)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (s *Server) handleUpdatePatient(c *gin.Context) {
	var in domain.PatientInput
	if err := c.ShouldBindJSON(&in); err != nil {
		writeBadRequest(c, err)
		return
	}
	rec, err := s.backend.UpdatePatient(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// handlePredictPatient seeds a form with the stored patient's features and
// predicts from it.
func (s *Server) handlePredictPatient(c *gin.Context) {
	persist, ok := persistParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	rec, err := s.backend.GetPatient(ctx, c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	layout, err := s.layout(ctx, c.Query("locale"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	state := form.NewState(layout)
	if err := state.Seed(rec.InputFeatures); err != nil {
		s.logger.WithError(err).WithField("patient_id", rec.ID).Debug("Stored patient has invalid values")
	}
	s.predict(c, state, persist)
}

func (s *Server) handleExplainPatient(c *gin.Context) {
	res, err := s.backend.ExplainPatient(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleValidatePatient(c *gin.Context) {
	res, err := s.backend.ValidatePatient(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) predict(c *gin.Context, state *form.State, persist bool) {
	payload, err := state.Submit()
	if err != nil {
		writeValidation(c, state, err)
		return
	}

	rec, err := s.backend.Predict(c.Request.Context(), payload, persist)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, PredictionResponse{Result: rec, Payload: payload})
}

func (s *Server) handleSubmitFeedback(c *gin.Context) {
	var sub domain.FeedbackSubmission
	if err := c.ShouldBindJSON(&sub); err != nil {
		writeBadRequest(c, err)
		return
	}
	if sub.Prediction < 0 || sub.Prediction > 1 {
		s.writeError(c, domain.NewValidationError("prediction", "must be between 0 and 1", sub.Prediction))
		return
	}
	if sub.InputFeatures == nil {
		sub.InputFeatures = map[string]any{}
	}

	rec, err := s.backend.SubmitFeedback(c.Request.Context(), sub)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (s *Server) handleGetFeedback(c *gin.Context) {
	rec, err := s.backend.GetFeedback(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleThreshold(c *gin.Context) {
	threshold, err := s.backend.PredictionThreshold(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, domain.ThresholdResponse{Threshold: threshold})
}

func (s *Server) handleModelCard(c *gin.Context) {
	card, err := s.backend.ModelCard(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, card)
}

func (s *Server) handleModelInfo(c *gin.Context) {
	info, err := s.backend.ModelInfo(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// layout returns the rendered form for the current catalog. A locale that
// differs from the active one switches the shared catalog first.
func (s *Server) layout(ctx context.Context, locale string) (form.Layout, error) {
	if l := catalog.NormalizeLocale(locale); l != "" && l != s.catalog.Locale() {
		s.catalog.SetLocale(ctx, l)
	}

	snap := s.catalog.Snapshot()
	if !snap.Ready() {
		if snap.Err != "" {
			return form.Layout{}, fmt.Errorf("%w: %s", domain.ErrNotReady, snap.Err)
		}
		return form.Layout{}, domain.ErrNotReady
	}
	return s.layouts.Layout(snap), nil
}

// bindForm decodes a FormRequest and seeds a fresh form state with it. On
// failure the response is written and ok is false.
func (s *Server) bindForm(c *gin.Context) (*form.State, bool) {
	var req FormRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err)
		return nil, false
	}
	layout, err := s.layout(c.Request.Context(), c.Query("locale"))
	if err != nil {
		s.writeError(c, err)
		return nil, false
	}

	state := form.NewState(layout)
	// Seed errors are also recorded per field on the state.
	_ = state.Seed(req.Values)
	return state, true
}

func persistParam(c *gin.Context) (bool, bool) {
	raw := c.Query("persist")
	if raw == "" {
		return false, true
	}
	persist, err := strconv.ParseBool(raw)
	if err != nil {
		writeBadRequest(c, fmt.Errorf("persist must be a boolean"))
		return false, false
	}
	return persist, true
}

// statusFor maps an error to the HTTP status the console answers with.
func statusFor(err error) int {
	var apiErr *domain.APIError
	var validationErr *domain.ValidationError

	switch {
	case errors.As(err, &apiErr):
		if apiErr.Kind == domain.FailureProtocol && apiErr.Status >= 400 {
			return apiErr.Status
		}
		return http.StatusBadGateway
	case errors.As(err, &validationErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrNotReady), errors.Is(err, domain.ErrFeedbackNotReady):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{
		"error":          err.Error(),
		"correlation_id": c.GetString(middleware.KeyCorrelationID),
	}

	var apiErr *domain.APIError
	if errors.As(err, &apiErr) {
		body["kind"] = apiErr.Kind
	}
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		body["field"] = validationErr.Field
	}

	entry := s.logger.WithError(err).WithFields(logrus.Fields{
		"status": status,
		"path":   c.FullPath(),
	})
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Debug("Request rejected")
	}

	c.AbortWithStatusJSON(status, body)
}

func writeValidation(c *gin.Context, state *form.State, err error) {
	body := gin.H{
		"error":  err.Error(),
		"errors": state.View().Errors,
	}
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		body["field"] = validationErr.Field
	}
	c.AbortWithStatusJSON(http.StatusUnprocessableEntity, body)
}

func writeBadRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":          err.Error(),
		"correlation_id": c.GetString(middleware.KeyCorrelationID),
	})
}
