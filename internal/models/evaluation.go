package models

import (
	"time"

	"github.com/google/uuid"
)

// ControlledTest is a labeled query with its known relevant shipments.
type ControlledTest struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Query       string    `json:"query"`
	RelevantIDs []int64   `json:"relevant_ids"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CreateControlledTestRequest is the input for creating a controlled test.
type CreateControlledTestRequest struct {
	Name        string  `json:"name"         validate:"required,min=1,max=255,no_null_bytes"  yaml:"name"`
	Query       string  `json:"query"        validate:"required,min=1,max=2000,no_null_bytes" yaml:"query"`
	RelevantIDs []int64 `json:"relevant_ids" validate:"required,min=1,dive,gt=0"                yaml:"relevant_ids"`
	Active      *bool   `json:"active,omitempty"                                               yaml:"active"`
}

// UpdateControlledTestRequest toggles or edits a controlled test. Nil fields are unchanged.
type UpdateControlledTestRequest struct {
	Name        *string `json:"name,omitempty"         validate:"omitempty,min=1,max=255,no_null_bytes"`
	Query       *string `json:"query,omitempty"        validate:"omitempty,min=1,max=2000,no_null_bytes"`
	RelevantIDs []int64 `json:"relevant_ids,omitempty" validate:"omitempty,min=1,dive,gt=0"`
	Active      *bool   `json:"active,omitempty"`
}

// EvaluationResult holds the metrics of one retrieval run against a controlled test.
type EvaluationResult struct {
	ID         uuid.UUID `json:"id"`
	TestID     int64     `json:"test_id"`
	TestName   string    `json:"test_name"`
	Query      string    `json:"query"`
	Model      string    `json:"model"`
	Limit      int       `json:"limit"`
	MRR        float64   `json:"mrr"`
	NDCG10     float64   `json:"ndcg_at_10"`
	Precision5 float64   `json:"precision_at_5"`
	Ranking    []int64   `json:"ranking"`
	CreatedAt  time.Time `json:"created_at"`
}

// MetricSummary is the mean, max and min of one metric across runs.
type MetricSummary struct {
	Mean float64 `json:"mean"`
	Max  float64 `json:"max"`
	Min  float64 `json:"min"`
	Band string  `json:"band,omitempty"`
}

// ReportRow averages the runs of one controlled test inside the report window.
type ReportRow struct {
	TestID     int64     `json:"test_id"`
	TestName   string    `json:"test_name"`
	Runs       int       `json:"runs"`
	MRR        float64   `json:"mrr"`
	NDCG10     float64   `json:"ndcg_at_10"`
	Precision5 float64   `json:"precision_at_5"`
	MRRBand    string    `json:"mrr_band"`
	LastRunAt  time.Time `json:"last_run_at"`
}

// ReportSummary aggregates all runs in the window.
type ReportSummary struct {
	Runs       int           `json:"runs"`
	Tests      int           `json:"tests"`
	MRR        MetricSummary `json:"mrr"`
	NDCG10     MetricSummary `json:"ndcg_at_10"`
	Precision5 MetricSummary `json:"precision_at_5"`
}

// ComparativeReport is the evaluation report over a time window.
type ComparativeReport struct {
	From    time.Time     `json:"from"`
	To      time.Time     `json:"to"`
	Rows    []ReportRow   `json:"rows"`
	Summary ReportSummary `json:"summary"`
}
