package rest

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadyResponse represents a readiness check response.
type ReadyResponse struct {
	Ready     bool   `json:"ready"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// StatusResponse summarizes the attached run.
type StatusResponse struct {
	RunID     string  `json:"run_id"`
	Strategy  string  `json:"strategy"`
	Done      bool    `json:"done"`
	Progress  float64 `json:"progress"`
	Completed int     `json:"completed"`
	Total     int     `json:"total"`
	Pending   int     `json:"pending"`
	Running   int     `json:"running"`
	Errors    int     `json:"errors"`
	ElapsedMs int64   `json:"elapsed_ms"`
}

// WorkerResponse describes one worker process.
type WorkerResponse struct {
	ID       string `json:"id"`
	PID      int    `json:"pid"`
	State    string `json:"state"`
	Item     string `json:"item,omitempty"`
	ExitCode int    `json:"exit_code"`
}

// ListResponse wraps a list.
type ListResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}
