package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/ci-outcome-console/internal/domain"
	"github.com/ci-outcome-console/internal/notify"
	"github.com/sirupsen/logrus"
)

// PredictionState is a copy of the predictor's state
type PredictionState struct {
	Status        Status                    `json:"status"`
	Record        *domain.PredictionRecord  `json:"record,omitempty"`
	Payload       domain.Payload            `json:"payload,omitempty"`
	Error         string                    `json:"error,omitempty"`
	ExplainStatus Status                    `json:"explain_status"`
	Explanation   *domain.ExplanationResult `json:"explanation,omitempty"`
	ExplainError  string                    `json:"explain_error,omitempty"`
}

// Predictor requests predictions and explanations for one session. Only the
// most recent request of each kind updates the state.
type Predictor struct {
	service  domain.PredictionService
	notifier *notify.Notifier
	logger   *logrus.Entry

	mu           sync.Mutex
	state        PredictionState
	token        uint64
	explainToken uint64
}

// NewPredictor creates a predictor
func NewPredictor(service domain.PredictionService, notifier *notify.Notifier, logger *logrus.Logger) *Predictor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Predictor{
		service:  service,
		notifier: notifier,
		logger:   logger.WithField("component", "predictor"),
		state:    PredictionState{Status: StatusIdle, ExplainStatus: StatusIdle},
	}
}

// Submit sends payload to the prediction endpoint. With persist set the
// backend also stores the prediction.
func (p *Predictor) Submit(ctx context.Context, payload domain.Payload, persist bool) (*domain.PredictionRecord, error) {
	p.mu.Lock()
	p.token++
	token := p.token
	p.state.Status, _ = Next(p.state.Status, EventStart)
	p.state.Payload = payload
	p.state.Error = ""
	p.mu.Unlock()

	rec, err := p.service.Predict(ctx, payload, persist)

	p.mu.Lock()
	if token != p.token {
		p.mu.Unlock()
		return nil, ErrSuperseded
	}
	if err != nil {
		p.state.Status, _ = Next(p.state.Status, EventFail)
		p.state.Record = nil
		p.state.Error = err.Error()
		p.mu.Unlock()

		p.logger.WithError(err).Error("Prediction failed")
		p.notifier.Error(err.Error())
		return nil, fmt.Errorf("prediction failed: %w", err)
	}
	p.state.Status, _ = Next(p.state.Status, EventSucceed)
	p.state.Record = rec
	// A new prediction invalidates the previous explanation.
	p.explainToken++
	p.state.ExplainStatus = StatusIdle
	p.state.Explanation = nil
	p.state.ExplainError = ""
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"prediction": rec.Prediction,
		"persist":    persist,
	}).Info("Prediction received")

	switch {
	case persist && rec.Persisted != nil && !*rec.Persisted:
		msg := "Prediction could not be saved"
		if rec.PersistError != "" {
			msg += ": " + rec.PersistError
		}
		p.notifier.Error(msg)
	case persist:
		p.notifier.Success("Prediction saved")
	default:
		p.notifier.Success("Prediction ready")
	}
	return rec, nil
}

// Explain requests the feature-importance explanation for payload
func (p *Predictor) Explain(ctx context.Context, payload domain.Payload) (*domain.ExplanationResult, error) {
	p.mu.Lock()
	p.explainToken++
	token := p.explainToken
	p.state.ExplainStatus, _ = Next(p.state.ExplainStatus, EventStart)
	p.state.ExplainError = ""
	p.mu.Unlock()

	res, err := p.service.Explain(ctx, payload)

	p.mu.Lock()
	defer p.mu.Unlock()
	if token != p.explainToken {
		return nil, ErrSuperseded
	}
	if err != nil {
		p.state.ExplainStatus, _ = Next(p.state.ExplainStatus, EventFail)
		p.state.Explanation = nil
		p.state.ExplainError = err.Error()
		p.logger.WithError(err).Error("Explanation failed")
		return nil, fmt.Errorf("explanation failed: %w", err)
	}
	p.state.ExplainStatus, _ = Next(p.state.ExplainStatus, EventSucceed)
	p.state.Explanation = res
	return res, nil
}

// Reset drops the current prediction. Requests still in flight are discarded.
func (p *Predictor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token++
	p.explainToken++
	p.state = PredictionState{Status: StatusIdle, ExplainStatus: StatusIdle}
}

// State returns a copy of the current state
func (p *Predictor) State() PredictionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}
