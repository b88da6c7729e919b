package workflow

import (
	"context"
	"errors"

	"github.com/ci-outcome-console/internal/domain"
	"github.com/ci-outcome-console/internal/notify"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/mock"
)

type mockPredictionService struct {
	mock.Mock
}

func (m *mockPredictionService) Predict(ctx context.Context, payload domain.Payload, persist bool) (*domain.PredictionRecord, error) {
	args := m.Called(ctx, payload, persist)
	if rec := args.Get(0); rec != nil {
		return rec.(*domain.PredictionRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockPredictionService) Explain(ctx context.Context, payload domain.Payload) (*domain.ExplanationResult, error) {
	args := m.Called(ctx, payload)
	if res := args.Get(0); res != nil {
		return res.(*domain.ExplanationResult), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockFeedbackService struct {
	mock.Mock
}

func (m *mockFeedbackService) SubmitFeedback(ctx context.Context, sub domain.FeedbackSubmission) (*domain.FeedbackRecord, error) {
	args := m.Called(ctx, sub)
	if rec := args.Get(0); rec != nil {
		return rec.(*domain.FeedbackRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockFeedbackService) GetFeedback(ctx context.Context, id string) (*domain.FeedbackRecord, error) {
	args := m.Called(ctx, id)
	if rec := args.Get(0); rec != nil {
		return rec.(*domain.FeedbackRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

// toastRecorder collects toasts for assertions.
type toastRecorder struct {
	toasts []notify.Toast
}

func (r *toastRecorder) Notify(t notify.Toast) {
	r.toasts = append(r.toasts, t)
}

func newNotifier() (*notify.Notifier, *toastRecorder, *logrus.Logger) {
	logger, _ := test.NewNullLogger()
	rec := &toastRecorder{}
	return notify.New(rec, logger), rec, logger
}

var errBackend = errors.New("Server Error")
