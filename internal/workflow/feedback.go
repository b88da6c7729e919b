package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/ci-outcome-console/internal/domain"
	"github.com/ci-outcome-console/internal/notify"
	"github.com/sirupsen/logrus"
)

// FeedbackView is a copy of a feedback form's state
type FeedbackView struct {
	Status    FeedbackStatus         `json:"status"`
	Accepted  *bool                  `json:"accepted,omitempty"`
	Comment   string                 `json:"comment,omitempty"`
	Error     string                 `json:"error,omitempty"`
	CanSubmit bool                   `json:"can_submit"`
	Record    *domain.FeedbackRecord `json:"record,omitempty"`
}

// FeedbackForm collects the clinician's verdict on one prediction and submits
// it at most once.
type FeedbackForm struct {
	service    domain.FeedbackService
	prediction domain.PredictionRecord
	inputs     domain.Payload
	notifier   *notify.Notifier
	logger     *logrus.Entry

	mu          sync.Mutex
	status      FeedbackStatus
	accepted    *bool
	comment     string
	errMsg      string
	record      *domain.FeedbackRecord
	onSubmitted []func(*domain.FeedbackRecord)
}

// NewFeedbackForm creates the feedback form for a prediction made from inputs
func NewFeedbackForm(service domain.FeedbackService, prediction domain.PredictionRecord, inputs domain.Payload, notifier *notify.Notifier, logger *logrus.Logger) *FeedbackForm {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &FeedbackForm{
		service:    service,
		prediction: prediction,
		inputs:     inputs,
		notifier:   notifier,
		logger:     logger.WithField("component", "feedback"),
		status:     FeedbackNoChoice,
	}
}

// OnSubmitted registers fn to run once the feedback is stored
func (f *FeedbackForm) OnSubmitted(fn func(*domain.FeedbackRecord)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSubmitted = append(f.onSubmitted, fn)
}

// Choose records agree (true) or disagree (false)
func (f *FeedbackForm) Choose(accepted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	next, ok := NextFeedback(f.status, FeedbackEventChoose)
	if !ok {
		return domain.ErrFeedbackNotReady
	}
	f.status = next
	f.accepted = &accepted
	return nil
}

// SetComment sets the optional free-text comment
func (f *FeedbackForm) SetComment(comment string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.status == FeedbackSubmitting || f.status == FeedbackSubmitted {
		return domain.ErrFeedbackNotReady
	}
	f.comment = comment
	return nil
}

// Retry makes a failed submission submittable again
func (f *FeedbackForm) Retry() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	next, ok := NextFeedback(f.status, FeedbackEventRetry)
	if !ok {
		return domain.ErrFeedbackNotReady
	}
	f.status = next
	return nil
}

// CanSubmit reports whether a choice is made and nothing is being submitted.
// A failed submission keeps its choice and stays submittable.
func (f *FeedbackForm) CanSubmit() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canSubmit()
}

func (f *FeedbackForm) canSubmit() bool {
	switch f.status {
	case FeedbackChoiceMade:
		return true
	case FeedbackFailed:
		return f.accepted != nil
	}
	return false
}

// ErrorMessage returns the message of the last failed submission
func (f *FeedbackForm) ErrorMessage() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errMsg
}

// Submit sends the feedback. It is rejected with ErrFeedbackNotReady unless
// a choice is made and no submission is running or done.
func (f *FeedbackForm) Submit(ctx context.Context) (*domain.FeedbackRecord, error) {
	f.mu.Lock()
	next, ok := NextFeedback(f.status, FeedbackEventSubmit)
	if !ok || f.accepted == nil {
		f.mu.Unlock()
		return nil, domain.ErrFeedbackNotReady
	}
	f.status = next
	f.errMsg = ""
	submission := domain.FeedbackSubmission{
		Prediction:    f.prediction.Prediction,
		Accepted:      *f.accepted,
		Comment:       f.comment,
		InputFeatures: f.inputs,
		Explanation:   f.prediction.Explanation,
	}
	f.mu.Unlock()

	rec, err := f.service.SubmitFeedback(ctx, submission)

	f.mu.Lock()
	if err != nil {
		f.status, _ = NextFeedback(f.status, FeedbackEventFail)
		f.errMsg = err.Error()
		f.mu.Unlock()

		f.logger.WithError(err).Error("Feedback submission failed")
		return nil, fmt.Errorf("feedback submission failed: %w", err)
	}
	f.status, _ = NextFeedback(f.status, FeedbackEventSucceed)
	f.record = rec
	f.accepted = nil
	listeners := append([]func(*domain.FeedbackRecord){}, f.onSubmitted...)
	f.mu.Unlock()

	f.logger.WithField("feedback_id", rec.ID).Info("Feedback submitted")
	f.notifier.Success("Thank you for your feedback")
	for _, fn := range listeners {
		fn(rec)
	}
	return rec, nil
}

// View returns a copy of the form's state
func (f *FeedbackForm) View() FeedbackView {
	f.mu.Lock()
	defer f.mu.Unlock()

	v := FeedbackView{
		Status:    f.status,
		Comment:   f.comment,
		Error:     f.errMsg,
		CanSubmit: f.canSubmit(),
		Record:    f.record,
	}
	if f.accepted != nil {
		accepted := *f.accepted
		v.Accepted = &accepted
	}
	return v
}
