package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ci-outcome-console/internal/catalog"
	"github.com/ci-outcome-console/internal/domain"
	"github.com/ci-outcome-console/internal/feedback"
	"github.com/ci-outcome-console/internal/form"
	"github.com/ci-outcome-console/internal/stubapi"
	"github.com/ci-outcome-console/internal/workflow"
	"github.com/ci-outcome-console/pkg/backend"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// gatedBackend holds patient lookups until release is closed.
type gatedBackend struct {
	*backend.Client
	started chan struct{}
	release chan struct{}
}

func (g *gatedBackend) GetPatient(ctx context.Context, id string) (*domain.PatientRecord, error) {
	g.started <- struct{}{}
	<-g.release
	return g.Client.GetPatient(ctx, id)
}

// newConsole starts the reference backend and a console wired to it.
func newConsole(t *testing.T) (*Server, *httptest.Server, *backend.Client) {
	t.Helper()
	return newConsoleWith(t, func(c *backend.Client) domain.Backend { return c })
}

// newConsoleWith lets a test wrap the backend client the console talks to.
func newConsoleWith(t *testing.T, wrap func(*backend.Client) domain.Backend) (*Server, *httptest.Server, *backend.Client) {
	t.Helper()
	logger, _ := test.NewNullLogger()

	store, err := feedback.NewSQLiteStore(filepath.Join(t.TempDir(), "feedback.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	stub, err := stubapi.NewServer(&domain.Config{
		Server:  domain.ServerConfig{AllowedOrigins: []string{"*"}, RequestTimeout: 5 * time.Second},
		Logging: domain.LoggingConfig{Level: "info"},
		StubAPI: domain.StubAPIConfig{Threshold: 0.5},
	}, store, logger)
	require.NoError(t, err)
	backendTS := httptest.NewServer(stub.Handler())
	t.Cleanup(backendTS.Close)

	client := backend.NewClient(domain.BackendConfig{
		BaseURL:   backendTS.URL,
		Timeout:   5 * time.Second,
		RateLimit: 100,
	}, logger)

	cat := catalog.New(client, catalog.WithLogger(logger), catalog.WithDefaultLocale("de"))
	cat.Init(context.Background())
	require.True(t, cat.Snapshot().Ready())

	srv, err := NewServer(staticConfig{cfg: testConfig()}, wrap(client), cat, logger)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return srv, ts, client
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, frameType string, data interface{}) {
	t.Helper()
	frame := map[string]interface{}{"type": frameType}
	if data != nil {
		frame["data"] = data
	}
	require.NoError(t, conn.WriteJSON(frame))
}

// readFrame skips frames until one of frameType arrives.
func readFrame(t *testing.T, conn *websocket.Conn, frameType string) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var msg received
		require.NoError(t, conn.ReadJSON(&msg), "waiting for %s", frameType)
		if msg.Type == frameType {
			return msg.Data
		}
	}
}

func TestSession_InitialForm(t *testing.T) {
	srv, ts, _ := newConsole(t)
	conn := dial(t, ts)

	var state FormStateData
	require.NoError(t, json.Unmarshal(readFrame(t, conn, FrameFormState), &state))
	require.NotNil(t, state.Layout)
	assert.Equal(t, "de", state.Layout.Locale)
	assert.NotEmpty(t, state.Layout.Sections)
	assert.False(t, state.View.CanSubmit, "required fields are empty")

	assert.Eventually(t, func() bool { return srv.SessionCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestSession_Search(t *testing.T) {
	_, ts, _ := newConsole(t)
	conn := dial(t, ts)
	readFrame(t, conn, FrameFormState)

	sendFrame(t, conn, FrameSearchInput, searchInput{Query: "m"})
	sendFrame(t, conn, FrameSearchInput, searchInput{Query: "mü"})
	sendFrame(t, conn, FrameSearchInput, searchInput{Query: "müll"})

	var results []domain.SearchResult
	require.NoError(t, json.Unmarshal(readFrame(t, conn, FrameSearchResults), &results))
	require.Len(t, results, 2)
	assert.Equal(t, "Anna Müller", results[0].Name)
	assert.Equal(t, "Peter Müllner", results[1].Name)

	sendFrame(t, conn, FrameSearchInput, searchInput{Query: ""})
	require.NoError(t, json.Unmarshal(readFrame(t, conn, FrameSearchResults), &results))
	assert.Empty(t, results)
}

func TestSession_PatientSelect(t *testing.T) {
	_, ts, client := newConsole(t)
	conn := dial(t, ts)
	readFrame(t, conn, FrameFormState)

	hits, err := client.SearchPatients(context.Background(), "Anna")
	require.NoError(t, err)
	require.Len(t, hits, 1)

	sendFrame(t, conn, FramePatientSelect, patientSelect{ID: hits[0].ID})

	var state FormStateData
	require.NoError(t, json.Unmarshal(readFrame(t, conn, FrameFormState), &state))
	assert.Equal(t, hits[0].ID, state.PatientID)
	assert.Equal(t, 67.0, state.View.Values["age"])
	assert.Equal(t, "w", state.View.Values["gender"])
	assert.True(t, state.View.CanSubmit)
}

func TestSession_PatientSelectDuringLocaleSwitch(t *testing.T) {
	gate := &gatedBackend{started: make(chan struct{}, 1), release: make(chan struct{})}
	srv, ts, client := newConsoleWith(t, func(c *backend.Client) domain.Backend {
		gate.Client = c
		return gate
	})
	conn := dial(t, ts)
	readFrame(t, conn, FrameFormState)

	hits, err := client.SearchPatients(context.Background(), "Anna")
	require.NoError(t, err)
	require.Len(t, hits, 1)

	sendFrame(t, conn, FramePatientSelect, patientSelect{ID: hits[0].ID})
	select {
	case <-gate.started:
	case <-time.After(5 * time.Second):
		t.Fatal("patient lookup did not start")
	}

	// Replace the session form while the lookup is held.
	srv.catalog.SetLocale(context.Background(), "en")
	var state FormStateData
	for state.Layout == nil || state.Layout.Locale != "en" {
		state = FormStateData{}
		require.NoError(t, json.Unmarshal(readFrame(t, conn, FrameFormState), &state))
	}
	close(gate.release)

	state = FormStateData{}
	for state.PatientID == "" {
		require.NoError(t, json.Unmarshal(readFrame(t, conn, FrameFormState), &state))
	}
	require.NotNil(t, state.Layout)
	assert.Equal(t, "en", state.Layout.Locale)
	assert.Equal(t, 67.0, state.View.Values["age"])

	// The live form holds the patient, not a discarded one.
	sendFrame(t, conn, FrameFormClear, formSet{Key: "tinnitus"})
	state = FormStateData{}
	require.NoError(t, json.Unmarshal(readFrame(t, conn, FrameFormState), &state))
	assert.Equal(t, 67.0, state.View.Values["age"])
	assert.Equal(t, "w", state.View.Values["gender"])
}

func TestSession_PredictAndFeedback(t *testing.T) {
	_, ts, client := newConsole(t)
	conn := dial(t, ts)
	readFrame(t, conn, FrameFormState)

	sendFrame(t, conn, FrameFormSet, formSet{Key: "age", Value: "54"})
	readFrame(t, conn, FrameFormState)
	sendFrame(t, conn, FrameFormSet, formSet{Key: "gender", Value: "w"})
	var state FormStateData
	require.NoError(t, json.Unmarshal(readFrame(t, conn, FrameFormState), &state))
	require.True(t, state.View.CanSubmit)

	sendFrame(t, conn, FramePredict, predictRequest{Persist: true})

	var prediction workflow.PredictionState
	require.NoError(t, json.Unmarshal(readFrame(t, conn, FramePrediction), &prediction))
	assert.Equal(t, workflow.StatusSuccess, prediction.Status)
	require.NotNil(t, prediction.Record)
	assert.GreaterOrEqual(t, prediction.Record.Prediction, 0.0)
	assert.LessOrEqual(t, prediction.Record.Prediction, 1.0)
	require.NotNil(t, prediction.Record.Persisted)
	assert.True(t, *prediction.Record.Persisted)

	var fb workflow.FeedbackView
	require.NoError(t, json.Unmarshal(readFrame(t, conn, FrameFeedbackState), &fb))
	assert.Equal(t, workflow.FeedbackNoChoice, fb.Status)
	assert.False(t, fb.CanSubmit)

	sendFrame(t, conn, FrameFeedbackChoose, map[string]bool{"accepted": false})
	require.NoError(t, json.Unmarshal(readFrame(t, conn, FrameFeedbackState), &fb))
	assert.True(t, fb.CanSubmit)
	sendFrame(t, conn, FrameFeedbackComment, feedbackComment{Comment: "Too optimistic"})
	readFrame(t, conn, FrameFeedbackState)

	sendFrame(t, conn, FrameFeedbackSubmit, nil)
	var rec domain.FeedbackRecord
	require.NoError(t, json.Unmarshal(readFrame(t, conn, FrameFeedbackSubmitted), &rec))
	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.Accepted)
	assert.Equal(t, "Too optimistic", rec.Comment)

	stored, err := client.GetFeedback(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, prediction.Record.Prediction, stored.Prediction)
	assert.Equal(t, 54.0, stored.InputFeatures["age"])

	sendFrame(t, conn, FrameFeedbackSubmit, nil)
	var errData ErrorData
	require.NoError(t, json.Unmarshal(readFrame(t, conn, FrameError), &errData))
	assert.Equal(t, FrameFeedbackSubmit, errData.Request)
}

func TestSession_PredictInvalidForm(t *testing.T) {
	_, ts, _ := newConsole(t)
	conn := dial(t, ts)
	readFrame(t, conn, FrameFormState)

	sendFrame(t, conn, FramePredict, predictRequest{})

	var errData ErrorData
	require.NoError(t, json.Unmarshal(readFrame(t, conn, FrameError), &errData))
	assert.Equal(t, FramePredict, errData.Request)
	assert.Equal(t, "age", errData.Field)
}

func TestSession_Errors(t *testing.T) {
	_, ts, _ := newConsole(t)
	conn := dial(t, ts)
	readFrame(t, conn, FrameFormState)

	tests := []struct {
		name      string
		frameType string
		data      interface{}
		wantField string
		wantText  string
	}{
		{"Unknown frame", "dance", nil, "", "unknown frame type"},
		{"Unknown field", FrameFormSet, formSet{Key: "shoe_size", Value: 44}, "shoe_size", "not a field"},
		{"Feedback without prediction", FrameFeedbackChoose, map[string]bool{"accepted": true}, "", errNoPrediction.Error()},
		{"Choice missing", FrameFeedbackChoose, map[string]string{}, "accepted", "required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sendFrame(t, conn, tt.frameType, tt.data)
			var errData ErrorData
			require.NoError(t, json.Unmarshal(readFrame(t, conn, FrameError), &errData))
			assert.Equal(t, tt.frameType, errData.Request)
			assert.Equal(t, tt.wantField, errData.Field)
			assert.Contains(t, errData.Message, tt.wantText)
		})
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	var errData ErrorData
	require.NoError(t, json.Unmarshal(readFrame(t, conn, FrameError), &errData))
	assert.Equal(t, "frame is not valid JSON", errData.Message)
}

func TestSession_FieldErrorsStayInView(t *testing.T) {
	_, ts, _ := newConsole(t)
	conn := dial(t, ts)
	readFrame(t, conn, FrameFormState)

	sendFrame(t, conn, FrameFormSet, formSet{Key: "age", Value: "abc"})

	var state FormStateData
	require.NoError(t, json.Unmarshal(readFrame(t, conn, FrameFormState), &state))
	assert.Contains(t, state.View.Errors, "age")
	assert.Nil(t, state.Layout)
}

func TestSession_FollowsCatalogLocale(t *testing.T) {
	srv, ts, _ := newConsole(t)
	conn := dial(t, ts)
	readFrame(t, conn, FrameFormState)

	sendFrame(t, conn, FrameFormSet, formSet{Key: "age", Value: 40})
	readFrame(t, conn, FrameFormState)

	srv.catalog.SetLocale(context.Background(), "en")

	var state FormStateData
	for state.Layout == nil || state.Layout.Locale != "en" {
		state = FormStateData{}
		require.NoError(t, json.Unmarshal(readFrame(t, conn, FrameFormState), &state))
	}
	assert.Equal(t, 40.0, state.View.Values["age"], "entered values survive a locale switch")
	assert.Equal(t, "Age", findField(state.Layout, "age").Label)
}

func TestSession_CloseUnregisters(t *testing.T) {
	srv, ts, _ := newConsole(t)
	conn := dial(t, ts)
	readFrame(t, conn, FrameFormState)
	require.Eventually(t, func() bool { return srv.SessionCount() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return srv.SessionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func findField(layout *form.Layout, key string) form.Field {
	for _, f := range layout.Fields() {
		if f.Key == key {
			return f
		}
	}
	return form.Field{}
}
