package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ci-outcome-console/internal/domain"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Backend paths
const (
	PathDefinitions = "/api/v1/features/definitions"
	PathLocales     = "/api/v1/features/locales/"
	PathSearch      = "/patients/search"
	PathPatients    = "/api/v1/patients/"
	PathPredict     = "/api/v1/predict/"
	PathExplain     = "/api/v1/explainer/explain"
	PathFeedback    = "/api/v1/feedback/"
	PathThreshold   = "/api/v1/config/prediction-threshold"
	PathHealth      = "/api/v1/utils/health-check/"
	PathModelInfo   = "/api/v1/utils/model-info/"
	PathModelCard   = "/api/v1/model-card"
)

// maxErrorBody bounds how much of a failed response is kept as the error message.
const maxErrorBody = 2048

// Client talks to the prediction backend. GET requests are retried, writes
// are sent exactly once.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryClient *http.Client
	rateLimit   *rate.Limiter
	breaker     *gobreaker.CircuitBreaker
	logger      *logrus.Entry
}

// NewClient creates a backend client from configuration
func NewClient(config domain.BackendConfig, logger *logrus.Logger) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8000"
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RateLimit == 0 {
		config.RateLimit = 20
	}
	if config.RetryCount < 0 {
		config.RetryCount = 0
	}
	if config.CircuitBreaker.MaxRequests == 0 {
		config.CircuitBreaker.MaxRequests = 3
	}
	if config.CircuitBreaker.Interval == 0 {
		config.CircuitBreaker.Interval = 30 * time.Second
	}
	if config.CircuitBreaker.Timeout == 0 {
		config.CircuitBreaker.Timeout = 60 * time.Second
	}
	if config.CircuitBreaker.FailureThreshold == 0 {
		config.CircuitBreaker.FailureThreshold = 5
	}
	if logger == nil {
		logger = logrus.New()
	}
	entry := logger.WithField("component", "backend_client")

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = config.RetryCount
	retryClient.RetryWaitMin = 100 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.HTTPClient = &http.Client{Timeout: config.Timeout}
	retryClient.Logger = retryLogger{entry}
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	threshold := config.CircuitBreaker.FailureThreshold
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "backend",
		MaxRequests: config.CircuitBreaker.MaxRequests,
		Interval:    config.CircuitBreaker.Interval,
		Timeout:     config.CircuitBreaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: breakerSuccess,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			entry.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})

	return &Client{
		baseURL:     strings.TrimRight(config.BaseURL, "/"),
		httpClient:  &http.Client{Timeout: config.Timeout},
		retryClient: retryClient.StandardClient(),
		rateLimit:   rate.NewLimiter(rate.Limit(config.RateLimit), config.RateLimit),
		breaker:     breaker,
		logger:      entry,
	}
}

// breakerSuccess counts client-side rejections as healthy answers so only
// transport failures and 5xx responses open the breaker.
func breakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	var apiErr *domain.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Kind {
		case domain.FailureProtocol:
			return apiErr.Status < http.StatusInternalServerError
		case domain.FailureFormat:
			return true
		}
	}
	return false
}

// FeatureDefinitions loads the feature catalog
func (c *Client) FeatureDefinitions(ctx context.Context) (*domain.DefinitionsResponse, error) {
	var resp domain.DefinitionsResponse
	if err := c.do(ctx, http.MethodGet, PathDefinitions, nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FeatureLocales loads the labels and section headings for a locale
func (c *Client) FeatureLocales(ctx context.Context, locale string) (*domain.LocaleResponse, error) {
	locale = strings.TrimSpace(locale)
	if locale == "" {
		return nil, fmt.Errorf("locale cannot be empty")
	}

	var resp domain.LocaleResponse
	if err := c.do(ctx, http.MethodGet, PathLocales+url.PathEscape(locale), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SearchPatients finds patients whose name matches query
func (c *Client) SearchPatients(ctx context.Context, query string) ([]domain.SearchResult, error) {
	q := url.Values{}
	q.Set("q", query)

	var results []domain.SearchResult
	if err := c.do(ctx, http.MethodGet, PathSearch, q, nil, &results); err != nil {
		return nil, err
	}
	if results == nil {
		results = []domain.SearchResult{}
	}
	return results, nil
}

// GetPatient reads one patient record
func (c *Client) GetPatient(ctx context.Context, id string) (*domain.PatientRecord, error) {
	var rec domain.PatientRecord
	if err := c.do(ctx, http.MethodGet, PathPatients+url.PathEscape(id), nil, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreatePatient stores a new patient record
func (c *Client) CreatePatient(ctx context.Context, in domain.PatientInput) (*domain.PatientRecord, error) {
	var rec domain.PatientRecord
	if err := c.do(ctx, http.MethodPost, PathPatients, nil, in, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpdatePatient replaces the input features of an existing patient record
func (c *Client) UpdatePatient(ctx context.Context, id string, in domain.PatientInput) (*domain.PatientRecord, error) {
	var rec domain.PatientRecord
	if err := c.do(ctx, http.MethodPut, PathPatients+url.PathEscape(id), nil, in, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ExplainPatient requests the explanation of a stored patient's features
func (c *Client) ExplainPatient(ctx context.Context, id string) (*domain.ExplanationResult, error) {
	var res domain.ExplanationResult
	if err := c.do(ctx, http.MethodGet, PathPatients+url.PathEscape(id)+"/explainer", nil, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ValidatePatient checks a stored patient for the inputs the model requires
func (c *Client) ValidatePatient(ctx context.Context, id string) (*domain.PatientValidation, error) {
	var res domain.PatientValidation
	if err := c.do(ctx, http.MethodGet, PathPatients+url.PathEscape(id)+"/validate", nil, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Predict runs the outcome model on payload. With persist set the backend
// also stores the prediction and reports whether that worked.
func (c *Client) Predict(ctx context.Context, payload domain.Payload, persist bool) (*domain.PredictionRecord, error) {
	var q url.Values
	if persist {
		q = url.Values{"persist": []string{"true"}}
	}

	var rec domain.PredictionRecord
	if err := c.do(ctx, http.MethodPost, PathPredict, q, payload, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Explain requests the SHAP explanation of payload
func (c *Client) Explain(ctx context.Context, payload domain.Payload) (*domain.ExplanationResult, error) {
	var res domain.ExplanationResult
	if err := c.do(ctx, http.MethodPost, PathExplain, nil, payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SubmitFeedback stores clinician feedback. It is never retried.
func (c *Client) SubmitFeedback(ctx context.Context, submission domain.FeedbackSubmission) (*domain.FeedbackRecord, error) {
	var rec domain.FeedbackRecord
	if err := c.do(ctx, http.MethodPost, PathFeedback, nil, submission, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetFeedback reads a feedback entry by id
func (c *Client) GetFeedback(ctx context.Context, id string) (*domain.FeedbackRecord, error) {
	var rec domain.FeedbackRecord
	if err := c.do(ctx, http.MethodGet, PathFeedback+url.PathEscape(id), nil, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// PredictionThreshold returns the decision threshold configured on the backend
func (c *Client) PredictionThreshold(ctx context.Context) (float64, error) {
	var resp domain.ThresholdResponse
	if err := c.do(ctx, http.MethodGet, PathThreshold, nil, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Threshold, nil
}

// ModelCard returns the model card of the deployed model
func (c *Client) ModelCard(ctx context.Context) (*domain.ModelCard, error) {
	var card domain.ModelCard
	if err := c.do(ctx, http.MethodGet, PathModelCard, nil, nil, &card); err != nil {
		return nil, err
	}
	return &card, nil
}

// ModelInfo returns what the backend reports about the loaded model
func (c *Client) ModelInfo(ctx context.Context) (*domain.ModelInfo, error) {
	var info domain.ModelInfo
	if err := c.do(ctx, http.MethodGet, PathModelInfo, nil, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Health checks that the backend answers
func (c *Client) Health(ctx context.Context) error {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, PathHealth, nil, nil, &resp); err != nil {
		return err
	}
	if resp.Status != "ok" {
		return fmt.Errorf("backend reported status %q", resp.Status)
	}
	return nil
}

// response is what survives of an HTTP exchange once the body is read.
type response struct {
	status      int
	contentType string
	body        []byte
}

// do performs one request and decodes the JSON answer into out.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out interface{}) error {
	if err := c.rateLimit.Wait(ctx); err != nil {
		return domain.NewNetworkError(fmt.Errorf("rate limit wait failed: %w", err))
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.send(ctx, method, endpoint, payload)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return domain.NewNetworkError(fmt.Errorf("backend unavailable: %w", err))
		}
		c.logger.WithFields(logrus.Fields{
			"method": method,
			"path":   path,
		}).WithError(err).Debug("Backend request failed")
		return err
	}

	resp := result.(*response)
	if out == nil {
		return nil
	}
	if !isJSON(resp.contentType) {
		return domain.NewFormatError(resp.status, notJSONMessage(resp))
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return domain.NewFormatError(resp.status, fmt.Sprintf("failed to decode response: %v", err))
	}
	return nil
}

// send runs inside the breaker; non-success statuses come back as errors.
func (c *Client) send(ctx context.Context, method, endpoint string, payload []byte) (*response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := c.httpClient
	if method == http.MethodGet {
		client = c.retryClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, domain.NewNetworkError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewNetworkError(fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, domain.NewProtocolError(resp.StatusCode, errorMessage(data))
	}

	return &response{
		status:      resp.StatusCode,
		contentType: resp.Header.Get("Content-Type"),
		body:        data,
	}, nil
}

// errorMessage extracts a readable message from a failed response body.
// JSON bodies with a detail or error field yield that field.
func errorMessage(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ""
	}

	var envelope struct {
		Detail interface{} `json:"detail"`
		Error  string      `json:"error"`
	}
	if json.Unmarshal(trimmed, &envelope) == nil {
		switch d := envelope.Detail.(type) {
		case string:
			if d != "" {
				return d
			}
		case nil:
		default:
			if b, err := json.Marshal(d); err == nil {
				return string(b)
			}
		}
		if envelope.Error != "" {
			return envelope.Error
		}
	}

	if len(trimmed) > maxErrorBody {
		trimmed = trimmed[:maxErrorBody]
	}
	return string(trimmed)
}

// notJSONMessage names the content type and carries the body, or the status
// text when the body is empty.
func notJSONMessage(resp *response) string {
	detail := errorMessage(resp.body)
	if detail == "" {
		detail = http.StatusText(resp.status)
	}
	return fmt.Sprintf("expected JSON response, got %q: %s", resp.contentType, detail)
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// retryLogger adapts logrus to the leveled logger retryablehttp expects.
type retryLogger struct {
	entry *logrus.Entry
}

func (l retryLogger) fields(keysAndValues []interface{}) *logrus.Entry {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = strconv.Itoa(i)
		}
		fields[key] = keysAndValues[i+1]
	}
	return l.entry.WithFields(fields)
}

func (l retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Error(msg)
}

func (l retryLogger) Info(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Debug(msg)
}

func (l retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Debug(msg)
}

func (l retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Warn(msg)
}
