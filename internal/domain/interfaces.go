package domain

import (
	"context"
)

// FeatureSource serves feature definitions and their localized labels
type FeatureSource interface {
	FeatureDefinitions(ctx context.Context) (*DefinitionsResponse, error)
	FeatureLocales(ctx context.Context, locale string) (*LocaleResponse, error)
}

// PatientSearcher looks up patients by name
type PatientSearcher interface {
	SearchPatients(ctx context.Context, query string) ([]SearchResult, error)
}

// PatientRepository reads and writes patient records
type PatientRepository interface {
	GetPatient(ctx context.Context, id string) (*PatientRecord, error)
	CreatePatient(ctx context.Context, in PatientInput) (*PatientRecord, error)
	UpdatePatient(ctx context.Context, id string, in PatientInput) (*PatientRecord, error)
	ExplainPatient(ctx context.Context, id string) (*ExplanationResult, error)
	ValidatePatient(ctx context.Context, id string) (*PatientValidation, error)
}

// PredictionService runs the outcome model
type PredictionService interface {
	Predict(ctx context.Context, payload Payload, persist bool) (*PredictionRecord, error)
	Explain(ctx context.Context, payload Payload) (*ExplanationResult, error)
}

// FeedbackService stores and reads clinician feedback
type FeedbackService interface {
	SubmitFeedback(ctx context.Context, submission FeedbackSubmission) (*FeedbackRecord, error)
	GetFeedback(ctx context.Context, id string) (*FeedbackRecord, error)
}

// ConfigManager manages application configuration
type ConfigManager interface {
	GetConfig() *Config
	GetServerConfig() *ServerConfig
	GetBackendConfig() *BackendConfig
	Validate() error
	Reload() error
}

// ConfigService reads backend settings and liveness
type ConfigService interface {
	PredictionThreshold(ctx context.Context) (float64, error)
	Health(ctx context.Context) error
}

// ModelService describes the deployed model
type ModelService interface {
	ModelCard(ctx context.Context) (*ModelCard, error)
	ModelInfo(ctx context.Context) (*ModelInfo, error)
}

// Backend is the complete prediction backend surface used by the console
type Backend interface {
	FeatureSource
	PatientSearcher
	PatientRepository
	PredictionService
	FeedbackService
	ConfigService
	ModelService
}
