package models

// Stats is an aggregate view over all jobs, used by the stats endpoint.
type Stats struct {
	TotalJobs      int   `json:"total_jobs"`
	PendingJobs    int   `json:"pending_jobs"`
	ProcessingJobs int   `json:"processing_jobs"`
	CompletedJobs  int   `json:"completed_jobs"`
	FailedJobs     int   `json:"failed_jobs"`
	CancelledJobs  int   `json:"cancelled_jobs"`
	TotalRequests  int   `json:"total_requests"`
	TotalResponses int   `json:"total_responses"`
	TotalTokens    int64 `json:"total_tokens_used"`
}
