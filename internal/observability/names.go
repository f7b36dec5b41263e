// Package observability provides OpenTelemetry metrics and tracing plus the slog trace-context handler.
package observability

// Metric names (Prometheus / OpenTelemetry).
const (
	MetricNameHTTPRequests           = "shipsearch_http_requests_total"
	MetricNameHTTPRequestDuration    = "shipsearch_http_request_duration_seconds"
	MetricNameRequestBodyTooLarge    = "shipsearch_request_body_too_large_total"
	MetricNameEmbeddingJobsEnqueued  = "shipsearch_embedding_jobs_enqueued_total"
	MetricNameEmbeddingProviderCalls = "shipsearch_embedding_provider_calls_total"
	MetricNameEmbeddingProviderError = "shipsearch_embedding_provider_errors_total"
	MetricNameEmbeddingCallDuration  = "shipsearch_embedding_call_duration_seconds"
	MetricNameEmbeddingTokens        = "shipsearch_embedding_tokens_total"
	MetricNameEmbeddingOutcomes      = "shipsearch_embedding_outcomes_total"
	MetricNameEmbeddingDuration      = "shipsearch_embedding_duration_seconds"
	MetricNameEmbeddingQueueDepth    = "shipsearch_embedding_queue_depth"
	MetricNameSearches               = "shipsearch_searches_total"
	MetricNameSearchDuration         = "shipsearch_search_duration_seconds"
	MetricNameSearchResults          = "shipsearch_search_results"
	MetricNameEvaluationRuns         = "shipsearch_evaluation_runs_total"
	MetricNameEvaluationMRR          = "shipsearch_evaluation_mrr"
	MetricNamePrincipalLookups       = "shipsearch_principal_lookups_total"
	MetricNamePrincipalLoadDuration  = "shipsearch_principal_load_duration_seconds"
)

// Attribute keys.
const (
	AttrReason = "reason"
	AttrStatus = "status"
	AttrModel  = "model"
	AttrKind   = "kind"
	AttrMetric = "ordering_metric"
	AttrResult = "result"
	AttrRole   = "role"
)

// AllowedEmbeddingProviderReason for shipsearch_embedding_provider_errors_total.
var AllowedEmbeddingProviderReason = map[string]bool{
	"rate_limited": true,
	"auth":         true,
	"permanent":    true,
	"transient":    true,
	"token_limit":  true,
	"cancelled":    true,
}

// AllowedEmbeddingOutcomes for shipsearch_embedding_outcomes_total and the duration histogram.
var AllowedEmbeddingOutcomes = map[string]bool{
	"generated": true,
	"skipped":   true,
	"error":     true,
}

// AllowedSearchKinds for the kind attribute of shipsearch_searches_total ("ok" or an error kind).
var AllowedSearchKinds = map[string]bool{
	"ok":                 true,
	"validation":         true,
	"forbidden":          true,
	"empty_query":        true,
	"no_embeddings":      true,
	"model_unavailable":  true,
	"timeout":            true,
	"dimension_mismatch": true,
	"internal":           true,
}

// AllowedLookupResults for the result attribute of principal metrics.
var AllowedLookupResults = map[string]bool{
	LookupAdmin:    true,
	LookupHit:      true,
	LookupMiss:     true,
	LookupRejected: true,
	LookupError:    true,
}

// AllowedRoles for the role attribute of principal metrics.
var AllowedRoles = map[string]bool{
	"admin":    true,
	"operator": true,
	"buyer":    true,
	"none":     true,
}

// NormalizeReason returns reason if in allowed, otherwise "other".
func NormalizeReason(reason string, allowed map[string]bool) string {
	if allowed[reason] {
		return reason
	}

	return "other"
}
