// Package notify delivers short user-facing notifications (toasts).
package notify

import (
	"github.com/sirupsen/logrus"
)

// Type is the severity of a toast
type Type string

const (
	TypeSuccess Type = "success"
	TypeError   Type = "error"
	TypeInfo    Type = "info"
)

// Default titles
const (
	TitleSuccess = "Success!"
	TitleError   = "Something went wrong!"
)

// Toast is one notification
type Toast struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Type        Type   `json:"type"`
}

// Sink displays toasts
type Sink interface {
	Notify(t Toast)
}

// FuncSink adapts a function to a Sink
type FuncSink func(t Toast)

// Notify calls f
func (f FuncSink) Notify(t Toast) {
	f(t)
}

// LogSink writes toasts to a logger
type LogSink struct {
	Logger *logrus.Logger
}

// Notify logs t at a level matching its type
func (s LogSink) Notify(t Toast) {
	logger := s.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	entry := logger.WithFields(logrus.Fields{
		"toast_type":  t.Type,
		"title":       t.Title,
		"description": t.Description,
	})
	if t.Type == TypeError {
		entry.Warn("Toast")
		return
	}
	entry.Info("Toast")
}

// Fanout delivers toasts to every sink in order
type Fanout []Sink

// Notify forwards t to each sink
func (f Fanout) Notify(t Toast) {
	for _, s := range f {
		if s != nil {
			s.Notify(t)
		}
	}
}

// Notifier is the entry point used by the rest of the console. Creating a
// toast never fails: without a sink, or when the sink panics, the toast is
// logged instead.
type Notifier struct {
	sink   Sink
	logger *logrus.Logger
}

// New creates a notifier delivering to sink
func New(sink Sink, logger *logrus.Logger) *Notifier {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Notifier{sink: sink, logger: logger}
}

// Create shows t
func (n *Notifier) Create(t Toast) {
	if t.Type == "" {
		t.Type = TypeInfo
	}
	if n == nil || n.sink == nil {
		var logger *logrus.Logger
		if n != nil {
			logger = n.logger
		}
		LogSink{Logger: logger}.Notify(t)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			n.logger.WithField("panic", r).Error("Toast sink failed")
			LogSink{Logger: n.logger}.Notify(t)
		}
	}()
	n.sink.Notify(t)
}

// Success shows a success toast with the default title
func (n *Notifier) Success(description string) {
	n.Create(Toast{Title: TitleSuccess, Description: description, Type: TypeSuccess})
}

// Error shows an error toast with the default title
func (n *Notifier) Error(description string) {
	n.Create(Toast{Title: TitleError, Description: description, Type: TypeError})
}

// Info shows an informational toast
func (n *Notifier) Info(title, description string) {
	n.Create(Toast{Title: title, Description: description, Type: TypeInfo})
}
