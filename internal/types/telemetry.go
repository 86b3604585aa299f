package types

// Telemetry metric names for CloudWatch.
// All components MUST use these constants.
const (
	// Metric Names
	MetricSyncCompleted       = "EntitlementSyncCompleted"
	MetricSyncGuardBlocked    = "EntitlementSyncGuardBlocked"
	MetricSyncFailed          = "EntitlementSyncFailed"
	MetricVerificationLatency = "VerificationLatency"
	MetricAckRetryScheduled   = "AckRetryScheduled"
	MetricExternalAPIFailure  = "ExternalAPIFailure"
	MetricAPIRequestCount     = "APIRequestCount"
	MetricAPIRequestLatency   = "APIRequestLatency"

	// Dimension Keys
	DimFailureKind = "FailureKind"
	DimProductID   = "ProductID"
	DimTrigger     = "Trigger"
	DimMethod      = "Method"
	DimEndpoint    = "Endpoint"
	DimStatus      = "Status"

	// Metric Namespace
	MetricNamespace = "PlaySync"
)
