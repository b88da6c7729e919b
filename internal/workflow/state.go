// Package workflow drives the asynchronous prediction and feedback steps of
// a console session as explicit state machines.
package workflow

import "errors"

// ErrSuperseded is returned by an operation whose result was discarded
// because a newer one of the same kind was started.
var ErrSuperseded = errors.New("superseded by a newer request")

// Status is the state of an asynchronous operation
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Event drives an operation from one status to the next
type Event string

const (
	EventStart   Event = "start"
	EventSucceed Event = "succeed"
	EventFail    Event = "fail"
	EventReset   Event = "reset"
)

// Next returns the status after e. ok is false when e is not allowed in s,
// in which case s is returned unchanged.
func Next(s Status, e Event) (Status, bool) {
	if e == EventReset {
		return StatusIdle, true
	}
	switch s {
	case StatusIdle, StatusSuccess, StatusFailed:
		if e == EventStart {
			return StatusLoading, true
		}
	case StatusLoading:
		switch e {
		case EventStart:
			// A newer request supersedes the running one.
			return StatusLoading, true
		case EventSucceed:
			return StatusSuccess, true
		case EventFail:
			return StatusFailed, true
		}
	}
	return s, false
}

// FeedbackStatus is the state of a feedback form
type FeedbackStatus string

const (
	FeedbackNoChoice   FeedbackStatus = "no_choice"
	FeedbackChoiceMade FeedbackStatus = "choice_made"
	FeedbackSubmitting FeedbackStatus = "submitting"
	FeedbackSubmitted  FeedbackStatus = "submitted"
	FeedbackFailed     FeedbackStatus = "failed"
)

// FeedbackEvent drives a feedback form
type FeedbackEvent string

const (
	FeedbackEventChoose  FeedbackEvent = "choose"
	FeedbackEventSubmit  FeedbackEvent = "submit"
	FeedbackEventSucceed FeedbackEvent = "succeed"
	FeedbackEventFail    FeedbackEvent = "fail"
	FeedbackEventRetry   FeedbackEvent = "retry"
)

// NextFeedback returns the feedback status after e. Submitted is terminal.
func NextFeedback(s FeedbackStatus, e FeedbackEvent) (FeedbackStatus, bool) {
	switch s {
	case FeedbackNoChoice, FeedbackChoiceMade:
		switch e {
		case FeedbackEventChoose:
			return FeedbackChoiceMade, true
		case FeedbackEventSubmit:
			if s == FeedbackChoiceMade {
				return FeedbackSubmitting, true
			}
		}
	case FeedbackSubmitting:
		switch e {
		case FeedbackEventSucceed:
			return FeedbackSubmitted, true
		case FeedbackEventFail:
			return FeedbackFailed, true
		}
	case FeedbackFailed:
		switch e {
		case FeedbackEventChoose, FeedbackEventRetry:
			return FeedbackChoiceMade, true
		case FeedbackEventSubmit:
			return FeedbackSubmitting, true
		}
	}
	return s, false
}
