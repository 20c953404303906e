package rest

import (
	"time"

	"github.com/gofiber/fiber/v2"
)

var errNoRun = fiber.NewError(fiber.StatusServiceUnavailable, "no run attached")

// healthCheck handles GET /health
func (s *Server) healthCheck(c *fiber.Ctx) error {
	return c.JSON(HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// readyCheck handles GET /ready
func (s *Server) readyCheck(c *fiber.Ctx) error {
	ready := s.getSource() != nil
	status := "ready"
	if !ready {
		status = "not_ready"
	}

	return c.JSON(ReadyResponse{
		Ready:     ready,
		Status:    status,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// getStatus handles GET /api/v1/status
func (s *Server) getStatus(c *fiber.Ctx) error {
	src := s.getSource()
	if src == nil {
		return errNoRun
	}
	st := src.Status()
	return c.JSON(StatusResponse{
		RunID:     st.RunID,
		Strategy:  string(st.Strategy),
		Done:      st.Done,
		Progress:  st.Progress,
		Completed: st.Completed,
		Total:     st.Total,
		Pending:   st.Pending,
		Running:   len(st.Running),
		Errors:    st.Errors,
		ElapsedMs: st.Elapsed.Milliseconds(),
	})
}

// getRunning handles GET /api/v1/running
func (s *Server) getRunning(c *fiber.Ctx) error {
	src := s.getSource()
	if src == nil {
		return errNoRun
	}
	running := src.Status().Running
	if running == nil {
		running = []string{}
	}
	return c.JSON(ListResponse[string]{Items: running, Total: len(running)})
}

// getWorkers handles GET /api/v1/workers
func (s *Server) getWorkers(c *fiber.Ctx) error {
	src := s.getSource()
	if src == nil {
		return errNoRun
	}
	ws := src.Status().Workers
	out := make([]WorkerResponse, len(ws))
	for i, w := range ws {
		out[i] = WorkerResponse{ID: w.ID, PID: w.PID, State: string(w.State), Item: w.Item, ExitCode: w.ExitCode}
	}
	return c.JSON(ListResponse[WorkerResponse]{Items: out, Total: len(out)})
}

// getErrors handles GET /api/v1/errors
func (s *Server) getErrors(c *fiber.Ctx) error {
	src := s.getSource()
	if src == nil {
		return errNoRun
	}
	errs := src.ErrorMessages()
	if errs == nil {
		errs = []string{}
	}
	return c.JSON(ListResponse[string]{Items: errs, Total: len(errs)})
}
