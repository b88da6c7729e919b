package stubapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/ci-outcome-console/internal/domain"
	"github.com/ci-outcome-console/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const defaultPageSize = 100

func (s *Server) handleDefinitions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"features":      s.catalog.Definitions(),
		"section_order": s.catalog.SectionOrder(),
	})
}

func (s *Server) handleLocales(c *gin.Context) {
	c.JSON(http.StatusOK, s.catalog.Locale(c.Param("locale")))
}

func (s *Server) handleRawLabels(c *gin.Context) {
	lang := c.DefaultQuery("lang", fallbackLocale)
	c.JSON(http.StatusOK, gin.H{
		"language": baseLanguage(lang),
		"labels":   s.catalog.RawLabels(lang),
	})
}

func (s *Server) handleSearchPatients(c *gin.Context) {
	c.JSON(http.StatusOK, s.patients.Search(c.Query("q")))
}

func (s *Server) handleListPatients(c *gin.Context) {
	limit, err1 := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageSize)))
	offset, err2 := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err1 != nil || err2 != nil || limit < 0 || offset < 0 {
		abort(c, http.StatusUnprocessableEntity, "limit and offset must be non-negative integers")
		return
	}
	c.JSON(http.StatusOK, s.patients.List(limit, offset))
}

func (s *Server) handleCreatePatient(c *gin.Context) {
	var in domain.PatientInput
	if err := c.ShouldBindJSON(&in); err != nil {
		abort(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	rec := s.patients.Create(in)
	s.logger.WithFields(logging.Sanitize(logrus.Fields{
		"patient_id":   rec.ID,
		"display_name": rec.DisplayName,
	})).Info("Patient created")
	c.JSON(http.StatusCreated, rec)
}

func (s *Server) handleGetPatient(c *gin.Context) {
	rec, err := s.patients.Get(c.Param("id"))
	if err != nil {
		abort(c, http.StatusNotFound, "Patient not found")
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleUpdatePatient(c *gin.Context) {
	var in domain.PatientInput
	if err := c.ShouldBindJSON(&in); err != nil {
		abort(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	rec, err := s.patients.Update(c.Param("id"), in)
	if err != nil {
		abort(c, http.StatusNotFound, "Patient not found")
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handlePredictPatient(c *gin.Context) {
	rec, err := s.patients.Get(c.Param("id"))
	if err != nil {
		abort(c, http.StatusNotFound, "Patient not found")
		return
	}
	payload := s.catalog.Normalize(rec.InputFeatures)
	if len(payload) == 0 {
		abort(c, http.StatusBadRequest, "Patient has no input features")
		return
	}
	prediction, contributions := s.model.Score(payload)
	c.JSON(http.StatusOK, domain.PredictionRecord{Prediction: prediction, Explanation: contributions})
}

func (s *Server) handleExplainPatient(c *gin.Context) {
	rec, err := s.patients.Get(c.Param("id"))
	if err != nil {
		abort(c, http.StatusNotFound, "Patient not found")
		return
	}
	payload := s.catalog.Normalize(rec.InputFeatures)
	if len(payload) == 0 {
		abort(c, http.StatusBadRequest, "Patient has no input features")
		return
	}
	c.JSON(http.StatusOK, s.model.Explain(payload))
}

func (s *Server) handleValidatePatient(c *gin.Context) {
	rec, err := s.patients.Get(c.Param("id"))
	if err != nil {
		abort(c, http.StatusNotFound, "Patient not found")
		return
	}
	c.JSON(http.StatusOK, s.validatePatient(rec))
}

func (s *Server) handlePredict(c *gin.Context) {
	persist := false
	if raw := c.Query("persist"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			abort(c, http.StatusUnprocessableEntity, "persist must be a boolean")
			return
		}
		persist = v
	}

	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		abort(c, http.StatusUnprocessableEntity, "request body must be a JSON object")
		return
	}

	payload := s.catalog.Normalize(body)
	prediction, contributions := s.model.Score(payload)
	resp := domain.PredictionRecord{
		Prediction:  prediction,
		Explanation: contributions,
	}

	if persist {
		id := s.predictions.Add(payload, prediction, contributions)
		persisted := true
		resp.Persisted = &persisted
		resp.PredictionID = id
	}

	s.logger.WithFields(logrus.Fields{
		"features":   len(payload),
		"prediction": prediction,
		"persisted":  persist,
	}).Debug("Prediction computed")

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetPrediction(c *gin.Context) {
	entry, ok := s.predictions.Get(c.Param("id"))
	if !ok {
		abort(c, http.StatusNotFound, "Prediction not found")
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *Server) handleExplain(c *gin.Context) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		abort(c, http.StatusUnprocessableEntity, "request body must be a JSON object")
		return
	}
	c.JSON(http.StatusOK, s.model.Explain(s.catalog.Normalize(body)))
}

func (s *Server) handleCreateFeedback(c *gin.Context) {
	var sub domain.FeedbackSubmission
	if err := c.ShouldBindJSON(&sub); err != nil {
		abort(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if sub.Prediction < 0 || sub.Prediction > 1 {
		abort(c, http.StatusUnprocessableEntity, "prediction must be between 0 and 1")
		return
	}

	rec, err := s.feedback.Create(c.Request.Context(), sub)
	if err != nil {
		s.logger.WithError(err).Error("Failed to create feedback")
		abort(c, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.WithFields(logging.Sanitize(logrus.Fields{
		"feedback_id": rec.ID,
		"accepted":    rec.Accepted,
		"comment":     rec.Comment,
	})).Info("Feedback stored")
	c.JSON(http.StatusCreated, rec)
}

func (s *Server) handleGetFeedback(c *gin.Context) {
	rec, err := s.feedback.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, domain.ErrNotFound) {
		abort(c, http.StatusNotFound, "Feedback not found")
		return
	}
	if err != nil {
		s.logger.WithError(err).Error("Failed to read feedback")
		abort(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleThreshold(c *gin.Context) {
	c.JSON(http.StatusOK, domain.ThresholdResponse{Threshold: s.cfg.StubAPI.Threshold})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleModelInfo(c *gin.Context) {
	features := s.model.Features()
	c.JSON(http.StatusOK, domain.ModelInfo{
		Loaded:       true,
		ModelType:    modelType,
		FeatureNames: features,
		FeatureCount: len(features),
	})
}

func (s *Server) handleModelCard(c *gin.Context) {
	c.JSON(http.StatusOK, s.ModelCard())
}

func (s *Server) handleModelCardMarkdown(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"markdown": ModelCardMarkdown(s.ModelCard())})
}
