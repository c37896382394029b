package types

// RunRequest is the body accepted by POST /.
//
// Each image is either base64 (raw or a data URI) or an http(s) URL.
type RunRequest struct {
	// Main image whose lighting is replaced.
	Image1 string `json:"image1,omitempty"`
	// Reference image providing lighting and color tone. Optional; the main
	// image stands in when absent.
	Image2 string `json:"image2,omitempty"`
	// Explicit URL variants.
	// example: https://example.com/portrait.jpg
	Image1URL string `json:"image1_url,omitempty" example:"https://example.com/portrait.jpg"`
	// example: https://example.com/golden-hour.jpg
	Image2URL string `json:"image2_url,omitempty" example:"https://example.com/golden-hour.jpg"`
	// Some clients wrap the payload in {"input": {...}}.
	Input *RunRequest `json:"input,omitempty"`
}

// Unwrap returns the innermost request carrying images.
func (r RunRequest) Unwrap() RunRequest {
	cur := r
	for i := 0; i < 4 && cur.Input != nil; i++ {
		if cur.Image1 != "" || cur.Image2 != "" || cur.Image1URL != "" || cur.Image2URL != "" {
			break
		}
		cur = *cur.Input
	}
	cur.Input = nil
	return cur
}

// RunResponse is returned on success.
type RunResponse struct {
	// Always "success".
	// example: success
	Status string  `json:"status" example:"success"`
	Images []Image `json:"images"`
	// Server-side job id, useful when correlating with ComfyUI logs.
	PromptID string `json:"prompt_id,omitempty"`
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
	// Whether the ComfyUI subprocess passed its health check.
	Ready bool `json:"ready"`
	// ComfyUI base URL.
	// example: http://127.0.0.1:8188
	ServerURL string `json:"server_url" example:"http://127.0.0.1:8188"`
	// Process id of the ComfyUI subprocess, 0 when externally managed.
	PID int `json:"pid,omitempty"`
	// Jobs currently executing.
	Inflight int `json:"inflight"`
	// Concurrency limit.
	// example: 5
	MaxConcurrency int `json:"max_concurrency" example:"5"`
	// Models the pipeline depends on.
	Models []ModelDescriptor `json:"models"`
	// Uptime of the server in seconds.
	UptimeSeconds int64 `json:"uptime_seconds"`
	// Server time in unix seconds.
	ServerTimeUnix int64 `json:"server_time_unix"`
	// Job counters since start.
	JobsSucceeded uint64 `json:"jobs_succeeded"`
	JobsFailed    uint64 `json:"jobs_failed"`
	// Last error observed, if any.
	LastError string `json:"last_error,omitempty"`
}
