package stubapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ci-outcome-console/internal/domain"
	"github.com/ci-outcome-console/internal/feedback"
	"github.com/ci-outcome-console/pkg/backend"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *domain.Config {
	return &domain.Config{
		Server: domain.ServerConfig{
			AllowedOrigins: []string{"*"},
			RequestTimeout: 5 * time.Second,
		},
		Logging: domain.LoggingConfig{Level: "info"},
		StubAPI: domain.StubAPIConfig{Host: "127.0.0.1", Port: 8000, Threshold: 0.5},
	}
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	logger, _ := test.NewNullLogger()

	store, err := feedback.NewSQLiteStore(filepath.Join(t.TempDir(), "feedback.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	srv, err := NewServer(testConfig(), store, logger, opts...)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func newClient(t *testing.T, ts *httptest.Server) *backend.Client {
	t.Helper()
	logger, _ := test.NewNullLogger()
	return backend.NewClient(domain.BackendConfig{
		BaseURL:   ts.URL,
		Timeout:   5 * time.Second,
		RateLimit: 100,
	}, logger)
}

func TestNewServer_RequiresStore(t *testing.T) {
	logger, _ := test.NewNullLogger()
	_, err := NewServer(testConfig(), nil, logger)
	assert.Error(t, err)
}

func TestServer_Definitions(t *testing.T) {
	_, ts := newTestServer(t)
	client := newClient(t, ts)

	resp, err := client.FeatureDefinitions(context.Background())
	require.NoError(t, err)

	defs := resp.Definitions()
	require.NotEmpty(t, defs)
	for _, def := range defs {
		assert.NotEmpty(t, def.Raw)
		assert.NotEmpty(t, def.Normalized, "entries without a normalized key are not served")
	}
	assert.Equal(t, []string{"Demographie", "Diagnose", "Symptome", "Behandlung", "Weitere"}, resp.SectionOrder)
}

func TestServer_Locales(t *testing.T) {
	_, ts := newTestServer(t)
	client := newClient(t, ts)

	tests := []struct {
		locale    string
		wantLang  string
		wantLabel string
	}{
		{"de", "de", "Alter"},
		{"en", "en", "Age"},
		{"de-AT", "de", "Alter"},
		{"fr", "fr", "Age"},
	}

	for _, tt := range tests {
		t.Run(tt.locale, func(t *testing.T) {
			resp, err := client.FeatureLocales(context.Background(), tt.locale)
			require.NoError(t, err)
			assert.Equal(t, tt.wantLang, resp.Language)
			assert.Equal(t, tt.wantLabel, resp.Labels["age"])
			assert.NotEmpty(t, resp.Sections)
		})
	}
}

func TestServer_RawLabels(t *testing.T) {
	_, ts := newTestServer(t)

	res, err := http.Get(ts.URL + "/api/v1/features/labels?lang=en")
	require.NoError(t, err)
	defer res.Body.Close()

	var body struct {
		Language string            `json:"language"`
		Labels   map[string]string `json:"labels"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, "en", body.Language)
	assert.Equal(t, "Age", body.Labels["Alter [J]"])
}

func TestServer_Predict(t *testing.T) {
	_, ts := newTestServer(t)
	client := newClient(t, ts)
	payload := domain.Payload{
		"age":                54.0,
		"gender":             "w",
		"hearing_loss_onset": "postlingual",
		"tinnitus":           true,
	}

	rec, err := client.Predict(context.Background(), payload, false)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rec.Prediction, 0.0)
	assert.LessOrEqual(t, rec.Prediction, 1.0)
	assert.NotEmpty(t, rec.Explanation)
	assert.Nil(t, rec.Persisted)
	assert.Empty(t, rec.PredictionID)

	persisted, err := client.Predict(context.Background(), payload, true)
	require.NoError(t, err)
	require.NotNil(t, persisted.Persisted)
	assert.True(t, *persisted.Persisted)
	assert.NotEmpty(t, persisted.PredictionID)
	assert.Equal(t, rec.Prediction, persisted.Prediction, "scoring is deterministic")

	res, err := http.Get(ts.URL + "/api/v1/predictions/" + persisted.PredictionID)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestServer_PredictAcceptsRawKeys(t *testing.T) {
	_, ts := newTestServer(t)
	client := newClient(t, ts)

	normalized, err := client.Predict(context.Background(), domain.Payload{"age": 70.0, "hearing_loss_onset": "praelingual"}, false)
	require.NoError(t, err)
	raw, err := client.Predict(context.Background(), domain.Payload{
		"Alter [J]": 70.0,
		"Diagnose.Höranamnese.Beginn der Hörminderung (OP-Ohr)...": "praelingual",
	}, false)
	require.NoError(t, err)

	assert.Equal(t, normalized.Prediction, raw.Prediction)
}

func TestServer_PredictRejectsNonObject(t *testing.T) {
	_, ts := newTestServer(t)

	res, err := http.Post(ts.URL+"/api/v1/predict/", "application/json", bytes.NewBufferString(`[1,2]`))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)

	res, err = http.Post(ts.URL+"/api/v1/predict/?persist=maybe", "application/json", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
}

func TestServer_Explain(t *testing.T) {
	_, ts := newTestServer(t)
	client := newClient(t, ts)

	result, err := client.Explain(context.Background(), domain.Payload{"age": 80.0, "vertigo": true})
	require.NoError(t, err)

	assert.Len(t, result.ShapValues, len(DefaultModel().Features()))
	assert.NotEmpty(t, result.TopFeatures)
	assert.Equal(t, "age", result.TopFeatures[0].Feature)
	assert.InDelta(t, 0.5987, result.BaseValue, 0.001)
}

func TestServer_FeedbackRoundTrip(t *testing.T) {
	_, ts := newTestServer(t)
	client := newClient(t, ts)
	ctx := context.Background()

	created, err := client.SubmitFeedback(ctx, domain.FeedbackSubmission{
		Prediction:    0.85,
		Accepted:      true,
		Comment:       "Looks correct",
		InputFeatures: map[string]any{"age": 54.0},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.False(t, created.CreatedAt.IsZero())
	assert.Equal(t, 0.85, created.Prediction)
	assert.True(t, created.Accepted)
	assert.Equal(t, "Looks correct", created.Comment)

	got, err := client.GetFeedback(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, 0.85, got.Prediction)
	assert.True(t, got.Accepted)
	assert.Equal(t, "Looks correct", got.Comment)
}

func TestServer_FeedbackNotFound(t *testing.T) {
	_, ts := newTestServer(t)
	client := newClient(t, ts)

	for _, id := range []string{uuid.NewString(), "12345"} {
		_, err := client.GetFeedback(context.Background(), id)
		require.Error(t, err)
		assert.True(t, domain.IsNotFound(err), "expected 404 for %s", id)
		assert.Equal(t, "Feedback not found", err.Error())
	}
}

func TestServer_FeedbackRejectsOutOfRangePrediction(t *testing.T) {
	_, ts := newTestServer(t)

	res, err := http.Post(ts.URL+"/api/v1/feedback/", "application/json",
		bytes.NewBufferString(`{"prediction": 1.5, "accepted": true, "input_features": {}}`))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
}

func TestServer_Patients(t *testing.T) {
	_, ts := newTestServer(t)
	client := newClient(t, ts)
	ctx := context.Background()

	results, err := client.SearchPatients(ctx, "müll")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "Anna Müller", results[0].Name)
	assert.Equal(t, "Peter Müllner", results[1].Name)

	none, err := client.SearchPatients(ctx, "nonexistentpatient123456")
	require.NoError(t, err)
	assert.Empty(t, none)

	created, err := client.CreatePatient(ctx, domain.PatientInput{
		DisplayName:   "Lena Vogel",
		InputFeatures: map[string]any{"Alter [J]": 33.0},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	updated, err := client.UpdatePatient(ctx, created.ID, domain.PatientInput{
		InputFeatures: map[string]any{"Alter [J]": 34.0},
	})
	require.NoError(t, err)
	assert.Equal(t, "Lena Vogel", updated.DisplayName)
	assert.Equal(t, 34.0, updated.InputFeatures["Alter [J]"])

	got, err := client.GetPatient(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	_, err = client.GetPatient(ctx, uuid.NewString())
	assert.True(t, domain.IsNotFound(err))
}

func TestServer_PredictPatient(t *testing.T) {
	idx := NewPatientIndex()
	withFeatures := idx.Create(domain.PatientInput{DisplayName: "A", InputFeatures: map[string]any{"Alter [J]": 40.0}})
	empty := idx.Create(domain.PatientInput{DisplayName: "B"})
	_, ts := newTestServer(t, WithPatients(idx))

	res, err := http.Get(ts.URL + "/api/v1/patients/" + withFeatures.ID + "/predict")
	require.NoError(t, err)
	var rec domain.PredictionRecord
	require.NoError(t, json.NewDecoder(res.Body).Decode(&rec))
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Greater(t, rec.Prediction, 0.0)

	res, err = http.Get(ts.URL + "/api/v1/patients/" + empty.ID + "/predict")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestServer_ThresholdAndHealth(t *testing.T) {
	_, ts := newTestServer(t)
	client := newClient(t, ts)

	threshold, err := client.PredictionThreshold(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.5, threshold)

	assert.NoError(t, client.Health(context.Background()))
}

func TestServer_PatientExplainerAndValidate(t *testing.T) {
	idx := NewPatientIndex()
	complete := idx.Create(domain.PatientInput{DisplayName: "A", InputFeatures: map[string]any{
		"Alter [J]":  40.0,
		"Geschlecht": "w",
	}})
	partial := idx.Create(domain.PatientInput{DisplayName: "B", InputFeatures: map[string]any{"Geschlecht": "m"}})
	empty := idx.Create(domain.PatientInput{DisplayName: "C"})
	_, ts := newTestServer(t, WithPatients(idx))
	client := newClient(t, ts)
	ctx := context.Background()

	res, err := client.ExplainPatient(ctx, complete.ID)
	require.NoError(t, err)
	assert.Greater(t, res.Prediction, 0.0)
	assert.Contains(t, res.FeatureImportance, "age")

	_, err = client.ExplainPatient(ctx, empty.ID)
	var apiErr *domain.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)

	ok, err := client.ValidatePatient(ctx, complete.ID)
	require.NoError(t, err)
	assert.True(t, ok.OK)
	assert.Empty(t, ok.MissingFeatures)
	assert.Equal(t, 2, ok.FeaturesCount)

	missing, err := client.ValidatePatient(ctx, partial.ID)
	require.NoError(t, err)
	assert.False(t, missing.OK)
	assert.Equal(t, []string{"Alter [J] (age)"}, missing.MissingFeatures)

	_, err = client.ValidatePatient(ctx, uuid.NewString())
	assert.True(t, domain.IsNotFound(err))
}

func TestServer_ModelCardAndInfo(t *testing.T) {
	_, ts := newTestServer(t)
	client := newClient(t, ts)
	ctx := context.Background()

	card, err := client.ModelCard(ctx)
	require.NoError(t, err)
	assert.Equal(t, modelName, card.Name)
	assert.NotEmpty(t, card.IntendedUse)
	require.NotEmpty(t, card.Features)
	assert.Equal(t, "Alter [J]", card.Features[0].Name)

	info, err := client.ModelInfo(ctx)
	require.NoError(t, err)
	assert.True(t, info.Loaded)
	assert.Equal(t, len(info.FeatureNames), info.FeatureCount)
	assert.Contains(t, info.FeatureNames, "tinnitus")

	resp, err := http.Get(ts.URL + "/api/v1/model-card/markdown")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body struct {
		Markdown string `json:"markdown"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, strings.HasPrefix(body.Markdown, "# "+modelName))
	assert.Contains(t, body.Markdown, "## Limitations")
	assert.Contains(t, body.Markdown, "- **Alter [J]**")
}
