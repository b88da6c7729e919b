package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ci-outcome-console/internal/catalog"
	"github.com/ci-outcome-console/internal/domain"
	"github.com/ci-outcome-console/internal/form"
	"github.com/ci-outcome-console/internal/middleware"
	"github.com/ci-outcome-console/internal/notify"
	"github.com/ci-outcome-console/internal/search"
	"github.com/ci-outcome-console/internal/workflow"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// Client frame types
const (
	FrameSearchInput     = "search.input"
	FramePatientSelect   = "patient.select"
	FrameFormSet         = "form.set"
	FrameFormClear       = "form.clear"
	FramePredict         = "predict"
	FrameExplain         = "explain"
	FrameFeedbackChoose  = "feedback.choose"
	FrameFeedbackComment = "feedback.comment"
	FrameFeedbackSubmit  = "feedback.submit"
	FrameFeedbackRetry   = "feedback.retry"
)

// Server frame types
const (
	FrameSearchResults     = "search.results"
	FrameFormState         = "form.state"
	FramePrediction        = "prediction"
	FrameFeedbackState     = "feedback.state"
	FrameFeedbackSubmitted = "feedback.submitted"
	FrameToast             = "toast"
	FrameError             = "error"
)

var errNoPrediction = errors.New("no prediction to give feedback on")

// Frame is one message received from the browser.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// OutFrame is one message sent to the browser.
type OutFrame struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// FormStateData is the payload of a form.state frame. The layout is only
// sent when it changed.
type FormStateData struct {
	Layout    *form.Layout `json:"layout,omitempty"`
	View      form.View    `json:"view"`
	PatientID string       `json:"patient_id,omitempty"`
}

// ErrorData is the payload of an error frame.
type ErrorData struct {
	Request string `json:"request,omitempty"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type searchInput struct {
	Query string `json:"query"`
}

type patientSelect struct {
	ID string `json:"id"`
}

type formSet struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

type predictRequest struct {
	Persist bool `json:"persist"`
}

type feedbackChoice struct {
	Accepted *bool `json:"accepted"`
}

type feedbackComment struct {
	Comment string `json:"comment"`
}

// Session is the server side of one open console. It owns the form being
// edited, the patient search, the prediction workflow and the feedback form
// of the latest prediction. All writes to the connection go through
// writePump.
type Session struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	backend domain.Backend
	catalog *catalog.Store
	layouts *form.Cache
	logger  *logrus.Logger
	log     *logrus.Entry

	notifier  *notify.Notifier
	search    *search.Pipeline
	predictor *workflow.Predictor

	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	closeOnce   sync.Once
	unsubscribe func()

	mu        sync.Mutex
	form      *form.State
	feedback  *workflow.FeedbackForm
	patientID string
	selectSeq uint64
}

func (s *Server) handleWebSocket(c *gin.Context) {
	isAllowed := middleware.OriginChecker(s.configManager.GetServerConfig().AllowedOrigins)
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || isAllowed(origin)
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	sess := s.newSession(conn)
	count := s.addSession(sess)
	sess.log.WithFields(logrus.Fields{
		"remote":   c.ClientIP(),
		"sessions": count,
	}).Info("Console session opened")

	go sess.writePump()
	sess.start()
	sess.readPump()

	s.removeSession(sess.id)
	sess.log.Info("Console session closed")
}

func (s *Server) newSession(conn *websocket.Conn) *Session {
	cfg := s.configManager.GetConfig()
	ctx, cancel := context.WithCancel(context.Background())

	sess := &Session{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		backend: s.backend,
		catalog: s.catalog,
		layouts: s.layouts,
		logger:  s.logger,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	sess.log = s.logger.WithField("session_id", sess.id)

	sess.notifier = notify.New(notify.Fanout{
		notify.FuncSink(sess.toast),
		notify.LogSink{Logger: s.logger},
	}, s.logger)

	sess.search = search.New(s.backend,
		search.WithDebounce(cfg.Search.Debounce),
		search.WithRequestTimeout(cfg.Backend.Timeout),
		search.WithLogger(s.logger),
	)
	sess.search.OnResults(func(results []domain.SearchResult) {
		sess.emit(FrameSearchResults, results)
	})

	sess.predictor = workflow.NewPredictor(s.backend, sess.notifier, s.logger)

	return sess
}

// start sends the initial form and follows catalog changes.
func (s *Session) start() {
	snaps, unsubscribe := s.catalog.Subscribe()
	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	s.rebuildForm(s.catalog.Snapshot())
	go s.watchCatalog(snaps)
}

func (s *Session) watchCatalog(snaps <-chan catalog.Snapshot) {
	for {
		select {
		case <-s.done:
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			if snap.Loading {
				continue
			}
			s.rebuildForm(snap)
		}
	}
}

// rebuildForm binds the session to the layout of snap, carrying over the
// values entered so far. A catalog that is not ready drops the form.
func (s *Session) rebuildForm(snap catalog.Snapshot) {
	if !snap.Ready() {
		s.mu.Lock()
		s.form = nil
		s.mu.Unlock()

		msg := domain.ErrNotReady.Error()
		if snap.Err != "" {
			msg += ": " + snap.Err
		}
		s.emit(FrameError, ErrorData{Message: msg})
		return
	}

	layout := s.layouts.Layout(snap)

	s.mu.Lock()
	prev := s.form
	if prev != nil && prev.Layout().Version == layout.Version && prev.Layout().Locale == layout.Locale {
		s.mu.Unlock()
		return
	}
	state := form.NewState(layout)
	if prev != nil {
		_ = state.Seed(prev.View().Values)
	}
	s.form = state
	patientID := s.patientID
	s.mu.Unlock()

	s.emit(FrameFormState, FormStateData{Layout: &layout, View: state.View(), PatientID: patientID})
}

func (s *Session) readPump() {
	defer s.Close()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.WithError(err).Warn("WebSocket read failed")
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(msg, &frame); err != nil {
			s.emit(FrameError, ErrorData{Message: "frame is not valid JSON"})
			continue
		}
		s.handle(frame)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.log.WithError(err).Debug("WebSocket write failed")
				s.Close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Close ends the session. Requests still in flight are cancelled.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		s.search.Close()

		s.mu.Lock()
		unsubscribe := s.unsubscribe
		s.mu.Unlock()
		if unsubscribe != nil {
			unsubscribe()
		}
	})
}

func (s *Session) handle(frame Frame) {
	var err error
	switch frame.Type {
	case FrameSearchInput:
		var in searchInput
		if err = decode(frame, &in); err == nil {
			s.search.Input(in.Query)
		}
	case FramePatientSelect:
		var in patientSelect
		if err = decode(frame, &in); err == nil {
			go s.selectPatient(in.ID)
		}
	case FrameFormSet:
		var in formSet
		if err = decode(frame, &in); err == nil {
			err = s.setValue(in.Key, in.Value)
		}
	case FrameFormClear:
		var in formSet
		if err = decode(frame, &in); err == nil {
			err = s.clearValue(in.Key)
		}
	case FramePredict:
		var in predictRequest
		if err = decode(frame, &in); err == nil {
			go s.predict(in.Persist)
		}
	case FrameExplain:
		go s.explain()
	case FrameFeedbackChoose:
		var in feedbackChoice
		if err = decode(frame, &in); err == nil {
			if in.Accepted == nil {
				err = domain.NewValidationError("accepted", "is required", nil)
				break
			}
			err = s.withFeedback(func(f *workflow.FeedbackForm) error { return f.Choose(*in.Accepted) })
		}
	case FrameFeedbackComment:
		var in feedbackComment
		if err = decode(frame, &in); err == nil {
			err = s.withFeedback(func(f *workflow.FeedbackForm) error { return f.SetComment(in.Comment) })
		}
	case FrameFeedbackRetry:
		err = s.withFeedback(func(f *workflow.FeedbackForm) error { return f.Retry() })
	case FrameFeedbackSubmit:
		go s.submitFeedback()
	default:
		err = fmt.Errorf("unknown frame type %q", frame.Type)
	}

	if err != nil {
		s.emitError(frame.Type, err)
	}
}

func decode(frame Frame, v interface{}) error {
	if len(frame.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(frame.Data, v); err != nil {
		return fmt.Errorf("invalid %s frame: %w", frame.Type, err)
	}
	return nil
}

func (s *Session) currentForm() (*form.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.form == nil {
		return nil, domain.ErrNotReady
	}
	return s.form, nil
}

func (s *Session) setValue(key string, value interface{}) error {
	state, err := s.currentForm()
	if err != nil {
		return err
	}
	err = state.Set(key, value)
	s.emit(FrameFormState, FormStateData{View: state.View()})

	// Parse errors are part of the view; only keys the form does not
	// accept are reported separately.
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		if _, known := state.View().Errors[key]; known {
			return nil
		}
	}
	return err
}

func (s *Session) clearValue(key string) error {
	state, err := s.currentForm()
	if err != nil {
		return err
	}
	state.Clear(key)
	s.emit(FrameFormState, FormStateData{View: state.View()})
	return nil
}

// selectPatient loads a stored patient into the form. Only the latest
// selection is applied.
func (s *Session) selectPatient(id string) {
	s.mu.Lock()
	s.selectSeq++
	seq := s.selectSeq
	s.mu.Unlock()

	rec, err := s.backend.GetPatient(s.ctx, id)
	if err != nil {
		if s.ctx.Err() == nil {
			s.notifier.Error(err.Error())
			s.emitError(FramePatientSelect, err)
		}
		return
	}

	s.mu.Lock()
	if seq != s.selectSeq {
		s.mu.Unlock()
		return
	}
	// The catalog may have replaced the form while the patient was loading.
	state := s.form
	if state == nil {
		s.mu.Unlock()
		s.emitError(FramePatientSelect, domain.ErrNotReady)
		return
	}
	if err := state.Seed(rec.InputFeatures); err != nil {
		s.log.WithError(err).WithField("patient_id", rec.ID).Debug("Stored patient has invalid values")
	}
	s.patientID = rec.ID
	s.feedback = nil
	s.mu.Unlock()

	s.predictor.Reset()
	layout := state.Layout()
	s.emit(FrameFormState, FormStateData{Layout: &layout, View: state.View(), PatientID: rec.ID})
	s.emit(FramePrediction, s.predictor.State())
}

func (s *Session) predict(persist bool) {
	state, err := s.currentForm()
	if err != nil {
		s.emitError(FramePredict, err)
		return
	}
	payload, err := state.Submit()
	if err != nil {
		s.emit(FrameFormState, FormStateData{View: state.View()})
		s.emitError(FramePredict, err)
		return
	}

	rec, err := s.predictor.Submit(s.ctx, payload, persist)
	if errors.Is(err, workflow.ErrSuperseded) || s.ctx.Err() != nil {
		return
	}
	s.emit(FramePrediction, s.predictor.State())
	if err != nil {
		return
	}

	fb := workflow.NewFeedbackForm(s.backend, *rec, payload, s.notifier, s.logger)
	fb.OnSubmitted(func(r *domain.FeedbackRecord) {
		s.emit(FrameFeedbackSubmitted, r)
	})

	s.mu.Lock()
	s.feedback = fb
	s.mu.Unlock()

	s.emit(FrameFeedbackState, fb.View())
}

func (s *Session) explain() {
	state := s.predictor.State()
	if state.Record == nil {
		s.emitError(FrameExplain, errNoPrediction)
		return
	}

	_, err := s.predictor.Explain(s.ctx, state.Payload)
	if errors.Is(err, workflow.ErrSuperseded) || s.ctx.Err() != nil {
		return
	}
	s.emit(FramePrediction, s.predictor.State())
}

func (s *Session) withFeedback(fn func(f *workflow.FeedbackForm) error) error {
	s.mu.Lock()
	fb := s.feedback
	s.mu.Unlock()
	if fb == nil {
		return errNoPrediction
	}

	err := fn(fb)
	s.emit(FrameFeedbackState, fb.View())
	return err
}

func (s *Session) submitFeedback() {
	s.mu.Lock()
	fb := s.feedback
	s.mu.Unlock()
	if fb == nil {
		s.emitError(FrameFeedbackSubmit, errNoPrediction)
		return
	}

	_, err := fb.Submit(s.ctx)
	if errors.Is(err, domain.ErrFeedbackNotReady) {
		s.emitError(FrameFeedbackSubmit, err)
		return
	}
	s.emit(FrameFeedbackState, fb.View())
}

// toast is the notifier sink of the session.
func (s *Session) toast(t notify.Toast) {
	s.emit(FrameToast, t)
}

func (s *Session) emitError(request string, err error) {
	data := ErrorData{Request: request, Message: err.Error()}
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		data.Field = validationErr.Field
	}
	s.emit(FrameError, data)
}

// emit queues a frame for writePump. It gives up once the session is closed.
func (s *Session) emit(frameType string, data interface{}) {
	msg, err := json.Marshal(OutFrame{Type: frameType, Data: data})
	if err != nil {
		s.log.WithError(err).WithField("frame", frameType).Error("Failed to encode frame")
		return
	}

	select {
	case s.send <- msg:
	case <-s.done:
	}
}
