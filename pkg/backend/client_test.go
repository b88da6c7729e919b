package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ci-outcome-console/internal/domain"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler, retries int) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger, _ := test.NewNullLogger()
	return NewClient(domain.BackendConfig{
		BaseURL:    server.URL,
		Timeout:    5 * time.Second,
		RateLimit:  100,
		RetryCount: retries,
	}, logger)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestClient_FeatureDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		handler     http.HandlerFunc
		wantCount   int
		wantOrder   []string
		wantKind    domain.FailureKind
		wantMessage string
	}{
		{
			name: "Success",
			handler: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, PathDefinitions, r.URL.Path)
				writeJSON(w, http.StatusOK, map[string]interface{}{
					"features": []map[string]interface{}{
						{"raw": "Alter [J]", "normalized": "alter_j", "input_type": "numeric"},
						{"raw": "Geschlecht", "normalized": "geschlecht", "input_type": "select"},
					},
					"section_order": []string{"Demographie"},
				})
			},
			wantCount: 2,
			wantOrder: []string{"Demographie"},
		},
		{
			name: "Missing features",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, map[string]interface{}{})
			},
			wantCount: 0,
		},
		{
			name: "Server error body becomes the message",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/plain")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte("Server Error\n"))
			},
			wantKind:    domain.FailureProtocol,
			wantMessage: "Server Error",
		},
		{
			name: "Empty error body falls back to status text",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			wantKind:    domain.FailureProtocol,
			wantMessage: "Service Unavailable",
		},
		{
			name: "JSON detail is extracted",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Definitions unavailable"})
			},
			wantKind:    domain.FailureProtocol,
			wantMessage: "Definitions unavailable",
		},
		{
			name: "Non-JSON content type",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/html")
				_, _ = w.Write([]byte("  <html>Maintenance</html>\n"))
			},
			wantKind:    domain.FailureFormat,
			wantMessage: `expected JSON response, got "text/html": <html>Maintenance</html>`,
		},
		{
			name: "Non-JSON empty body falls back to status text",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/plain")
			},
			wantKind:    domain.FailureFormat,
			wantMessage: `expected JSON response, got "text/plain": OK`,
		},
		{
			name: "Malformed JSON",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				_, _ = w.Write([]byte("{not json"))
			},
			wantKind: domain.FailureFormat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, tt.handler, 0)

			resp, err := client.FeatureDefinitions(context.Background())
			if tt.wantKind != "" {
				require.Error(t, err)
				var apiErr *domain.APIError
				require.True(t, errors.As(err, &apiErr))
				assert.Equal(t, tt.wantKind, apiErr.Kind)
				if tt.wantMessage != "" {
					assert.Equal(t, tt.wantMessage, apiErr.Error())
				}
				return
			}

			require.NoError(t, err)
			assert.Len(t, resp.Definitions(), tt.wantCount)
			assert.Equal(t, tt.wantOrder, resp.SectionOrder)
		})
	}
}

func TestClient_NetworkFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	logger, _ := test.NewNullLogger()
	client := NewClient(domain.BackendConfig{BaseURL: url, RetryCount: 0}, logger)

	_, err := client.FeatureLocales(context.Background(), "de")
	require.Error(t, err)

	var apiErr *domain.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, domain.FailureNetwork, apiErr.Kind)
}

func TestClient_FeatureLocales(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathLocales+"en", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"language": "en",
			"labels":   map[string]string{"alter_j": "Age [years]"},
			"sections": map[string]string{"Demographie": "Demographics"},
		})
	}), 0)

	resp, err := client.FeatureLocales(context.Background(), "en")
	require.NoError(t, err)
	assert.Equal(t, "Age [years]", resp.Labels["alter_j"])
	assert.Equal(t, "Demographics", resp.Sections["Demographie"])

	_, err = client.FeatureLocales(context.Background(), " ")
	assert.Error(t, err)
}

func TestClient_SearchPatients(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathSearch, r.URL.Path)
		assert.Equal(t, "Müller", r.URL.Query().Get("q"))
		writeJSON(w, http.StatusOK, []domain.SearchResult{{ID: "p1", Name: "Hans Müller"}})
	}), 0)

	results, err := client.SearchPatients(context.Background(), "Müller")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "p1", results[0].ID)
}

func TestClient_Predict(t *testing.T) {
	tests := []struct {
		name    string
		persist bool
	}{
		{"Without persistence", false},
		{"With persistence", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, PathPredict, r.URL.Path)

				var payload map[string]interface{}
				require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
				assert.Equal(t, float64(42), payload["alter_j"])

				resp := map[string]interface{}{
					"prediction":  0.73,
					"explanation": map[string]float64{"alter_j": 0.12},
				}
				if r.URL.Query().Get("persist") == "true" {
					resp["persisted"] = true
					resp["prediction_id"] = "pred-1"
				}
				writeJSON(w, http.StatusOK, resp)
			}), 0)

			rec, err := client.Predict(context.Background(), domain.Payload{"alter_j": 42}, tt.persist)
			require.NoError(t, err)
			assert.InDelta(t, 0.73, rec.Prediction, 1e-9)
			assert.Equal(t, 0.12, rec.Explanation["alter_j"])
			if tt.persist {
				require.NotNil(t, rec.Persisted)
				assert.True(t, *rec.Persisted)
				assert.Equal(t, "pred-1", rec.PredictionID)
			} else {
				assert.Nil(t, rec.Persisted)
			}
		})
	}
}

func TestClient_GetRetriesButPostDoesNot(t *testing.T) {
	var gets, posts int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			if atomic.AddInt32(&gets, 1) == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			writeJSON(w, http.StatusOK, map[string]float64{"threshold": 0.5})
			return
		}
		atomic.AddInt32(&posts, 1)
		w.WriteHeader(http.StatusBadGateway)
	}), 2)

	threshold, err := client.PredictionThreshold(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.5, threshold)
	assert.Equal(t, int32(2), atomic.LoadInt32(&gets))

	_, err = client.SubmitFeedback(context.Background(), domain.FeedbackSubmission{Prediction: 0.85, Accepted: true})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&posts))
}

func TestClient_FeedbackRoundTrip(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == PathFeedback:
			var sub domain.FeedbackSubmission
			require.NoError(t, json.NewDecoder(r.Body).Decode(&sub))
			writeJSON(w, http.StatusCreated, domain.FeedbackRecord{
				ID:         "f6b1c1b0-0000-4000-8000-000000000001",
				Prediction: sub.Prediction,
				Accepted:   sub.Accepted,
				Comment:    sub.Comment,
				CreatedAt:  created,
			})
		case r.Method == http.MethodGet:
			writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Feedback not found"})
		}
	}), 0)

	rec, err := client.SubmitFeedback(context.Background(), domain.FeedbackSubmission{
		Prediction: 0.85,
		Accepted:   true,
		Comment:    "Looks correct",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, 0.85, rec.Prediction)
	assert.True(t, rec.Accepted)
	assert.Equal(t, "Looks correct", rec.Comment)
	assert.True(t, created.Equal(rec.CreatedAt))

	_, err = client.GetFeedback(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, domain.IsNotFound(err))
	assert.Equal(t, "Feedback not found", err.Error())
}

func TestClient_CircuitBreakerOpens(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	logger, _ := test.NewNullLogger()
	client := NewClient(domain.BackendConfig{
		BaseURL:   server.URL,
		RateLimit: 100,
		CircuitBreaker: domain.CircuitBreakerConfig{
			FailureThreshold: 2,
			Timeout:          time.Minute,
		},
	}, logger)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := client.Explain(ctx, domain.Payload{})
		require.Error(t, err)
	}

	_, err := client.Explain(ctx, domain.Payload{})
	var apiErr *domain.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, domain.FailureNetwork, apiErr.Kind)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClient_NotFoundDoesNotTripBreaker(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}), 0)

	for i := 0; i < 10; i++ {
		_, err := client.GetPatient(context.Background(), "nobody")
		require.True(t, domain.IsNotFound(err))
	}
}

func TestClient_Health(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathHealth, r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}), 0)

	assert.NoError(t, client.Health(context.Background()))
}

func TestClient_Patients(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in domain.PatientInput
		if r.Body != nil && r.Method != http.MethodGet {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		}
		switch r.Method {
		case http.MethodPost:
			assert.Equal(t, PathPatients, r.URL.Path)
			writeJSON(w, http.StatusCreated, domain.PatientRecord{ID: "p1", DisplayName: in.DisplayName, InputFeatures: in.InputFeatures})
		case http.MethodPut:
			assert.Equal(t, PathPatients+"p1", r.URL.Path)
			writeJSON(w, http.StatusOK, domain.PatientRecord{ID: "p1", DisplayName: in.DisplayName, InputFeatures: in.InputFeatures})
		case http.MethodGet:
			writeJSON(w, http.StatusOK, domain.PatientRecord{ID: "p1", DisplayName: "Erika"})
		}
	}), 0)

	ctx := context.Background()
	rec, err := client.CreatePatient(ctx, domain.PatientInput{DisplayName: "Erika", InputFeatures: map[string]any{"Alter [J]": 50}})
	require.NoError(t, err)
	assert.Equal(t, "p1", rec.ID)

	rec, err = client.UpdatePatient(ctx, "p1", domain.PatientInput{DisplayName: "Erika M.", InputFeatures: map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, "Erika M.", rec.DisplayName)

	rec, err = client.GetPatient(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Erika", rec.DisplayName)
}

func TestClient_PatientExplainAndModel(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		switch r.URL.Path {
		case PathPatients + "p1/explainer":
			writeJSON(w, http.StatusOK, domain.ExplanationResult{Prediction: 0.7, FeatureImportance: map[string]float64{"age": 0.1}})
		case PathPatients + "p1/validate":
			writeJSON(w, http.StatusOK, domain.PatientValidation{OK: true, FeaturesCount: 4})
		case PathModelCard:
			writeJSON(w, http.StatusOK, domain.ModelCard{Name: "CI outcome predictor", Features: []domain.ModelCardFeature{{Name: "Alter [J]"}}})
		case PathModelInfo:
			writeJSON(w, http.StatusOK, domain.ModelInfo{Loaded: true, FeatureCount: 4})
		default:
			writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not Found"})
		}
	}), 0)

	ctx := context.Background()
	explanation, err := client.ExplainPatient(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 0.7, explanation.Prediction)
	assert.Contains(t, explanation.FeatureImportance, "age")

	validation, err := client.ValidatePatient(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, validation.OK)
	assert.Equal(t, 4, validation.FeaturesCount)

	card, err := client.ModelCard(ctx)
	require.NoError(t, err)
	require.Len(t, card.Features, 1)
	assert.Equal(t, "Alter [J]", card.Features[0].Name)

	info, err := client.ModelInfo(ctx)
	require.NoError(t, err)
	assert.True(t, info.Loaded)

	_, err = client.ValidatePatient(ctx, "missing")
	var apiErr *domain.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}
