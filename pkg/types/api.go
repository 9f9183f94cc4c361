package types

// SubmitRequest is the payload for POST /jobs and POST /upscale.
type SubmitRequest struct {
	// Base64-encoded PNG or JPEG image to upscale.
	Image string `json:"image"`
	// Synchronous wait budget in milliseconds (POST /upscale only).
	// Zero uses the server default.
	// example: 30000
	TimeoutMs int `json:"timeout_ms,omitempty" example:"30000"`
}

// SubmitResponse is returned by POST /jobs on admission.
type SubmitResponse struct {
	// Assigned job identifier, opaque to the caller.
	// example: 7b0a9c2e-4f1d-4f7a-9b3e-2d1c0a9b8e7f
	JobID string `json:"job_id" example:"7b0a9c2e-4f1d-4f7a-9b3e-2d1c0a9b8e7f"`
	// Initial state, always "queued".
	State JobState `json:"state" example:"queued"`
}

// JobResponse is returned by GET /jobs/{id}.
type JobResponse struct {
	JobID string   `json:"job_id"`
	State JobState `json:"state"`
	// Base64-encoded PNG result, present only when state is "succeeded".
	Image string `json:"image,omitempty"`
	// Error detail, present only when state is "failed".
	Error string `json:"error,omitempty"`
	// Unix seconds.
	CreatedAt int64 `json:"created_at"`
	// Unix seconds, zero until terminal.
	CompletedAt int64 `json:"completed_at,omitempty"`
	// Time spent queued before a worker picked the job up.
	QueueMs int64 `json:"queue_ms,omitempty"`
	// Time spent executing the inference.
	ProcessingMs int64 `json:"processing_ms,omitempty"`
}

// UpscaleResponse is returned by the synchronous POST /upscale endpoint.
type UpscaleResponse struct {
	// Base64-encoded PNG result.
	Image    string          `json:"image"`
	Metadata UpscaleMetadata `json:"metadata"`
}

// UpscaleMetadata carries per-request performance details.
type UpscaleMetadata struct {
	// example: 64
	OriginalWidth int `json:"original_width" example:"64"`
	// example: 64
	OriginalHeight int `json:"original_height" example:"64"`
	// example: 256
	UpscaledWidth int `json:"upscaled_width" example:"256"`
	// example: 256
	UpscaledHeight int `json:"upscaled_height" example:"256"`
	// example: 1250
	ProcessingMs int64 `json:"processing_ms" example:"1250"`
	// example: anime-4x
	ModelUsed string `json:"model_used" example:"anime-4x"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	Models []Model `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Overall service state (e.g., ready, closed).
	// example: ready
	State string `json:"state" example:"ready"`
	// Currently loaded model id.
	Model string `json:"model"`
	// Number of queue workers.
	Workers int `json:"workers"`
	// Jobs waiting for a worker.
	QueueDepth int `json:"queue_depth"`
	// Jobs holding admission slots (queued + running).
	Outstanding int `json:"outstanding"`
	// Admission counters since start.
	JobsAdmitted  uint64 `json:"jobs_admitted"`
	JobsRejected  uint64 `json:"jobs_rejected"`
	JobsSucceeded uint64 `json:"jobs_succeeded"`
	JobsFailed    uint64 `json:"jobs_failed"`
	JobsCancelled uint64 `json:"jobs_cancelled"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	ServerTimeUnix int64 `json:"server_time_unix"`
}
