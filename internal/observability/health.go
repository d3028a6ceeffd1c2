package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// ServiceName identifies the server in logs, traces and health responses.
const ServiceName = "pravasid"

// Build information, set from main via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the liveness body.
type HealthResponse struct {
	Service string `json:"service"`
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the readiness body.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker is implemented by stores and notification transports.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// DefinitionSource reports what the definition registry holds.
// *definition.Registry satisfies it.
type DefinitionSource interface {
	Len() int
	Checksum() string
}

// ReadinessChecks lists what must be up before pravasid takes traffic.
// Definitions are required; nil checkers are skipped.
type ReadinessChecks struct {
	Definitions      DefinitionSource
	EntityStore      HealthChecker
	IdempotencyStore HealthChecker
	Notifications    HealthChecker
}

const checkTimeout = 2 * time.Second

// HandleHealth serves liveness: the process is up.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{
			Service: ServiceName,
			Status:  "ok",
			Version: Version,
			Commit:  Commit,
		})
	}
}

// HandleReady serves readiness. Dependency checks run concurrently, each
// bounded by its own timeout.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type named struct {
			name    string
			checker HealthChecker
		}
		var deps []named
		for _, d := range []named{
			{"entity_store", checks.EntityStore},
			{"idempotency_store", checks.IdempotencyStore},
			{"notifications", checks.Notifications},
		} {
			if d.checker != nil {
				deps = append(deps, d)
			}
		}

		out := make([]CheckResult, len(deps))
		var g errgroup.Group
		for i, d := range deps {
			g.Go(func() error {
				out[i] = runCheck(r.Context(), d.checker)
				return nil
			})
		}
		_ = g.Wait()

		results := map[string]CheckResult{"definitions": checkDefinitions(checks.Definitions)}
		for i, d := range deps {
			results[d.name] = out[i]
		}

		resp := ReadinessResponse{Status: "ready", Checks: results}
		status := http.StatusOK
		for _, res := range results {
			if res.Status != "ok" {
				resp.Status = "not_ready"
				status = http.StatusServiceUnavailable
				break
			}
		}
		writeHealthJSON(w, status, resp)
	}
}

func checkDefinitions(src DefinitionSource) CheckResult {
	if src == nil || src.Len() == 0 {
		return CheckResult{Status: "error", Error: "no machines loaded"}
	}
	return CheckResult{
		Status: "ok",
		Detail: fmt.Sprintf("%d machines, checksum %s", src.Len(), src.Checksum()),
	}
}

func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
	}
	return res
}

func writeHealthJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
