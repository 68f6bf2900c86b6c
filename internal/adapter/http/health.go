package http

import (
	"context"
	"net/http"
	"time"
)

const healthTimeout = 3 * time.Second

// HealthCheck probes one dependency.
type HealthCheck struct {
	Name string
	// Critical checks turn the response into 503 when they fail.
	Critical bool
	Check    func(ctx context.Context) error
}

type healthStatus struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Health returns a handler that runs every check and reports "ok" or
// "degraded". Only critical failures change the status code.
func Health(checks ...HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		res := healthStatus{Status: "ok", Checks: make(map[string]string, len(checks))}
		code := http.StatusOK
		for _, c := range checks {
			if err := c.Check(ctx); err != nil {
				res.Checks[c.Name] = "error: " + err.Error()
				res.Status = "degraded"
				if c.Critical {
					code = http.StatusServiceUnavailable
				}
				continue
			}
			res.Checks[c.Name] = "ok"
		}
		writeJSON(w, code, res)
	}
}
