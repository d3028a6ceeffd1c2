package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type fakeDefinitions struct {
	machines int
	checksum string
}

func (f fakeDefinitions) Len() int         { return f.machines }
func (f fakeDefinitions) Checksum() string { return f.checksum }

type fakeChecker struct {
	err   error
	delay time.Duration
}

func (f fakeChecker) HealthCheck(ctx context.Context) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func serveReady(t *testing.T, checks ReadinessChecks) (int, ReadinessResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	var resp ReadinessResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec.Code, resp
}

func TestHandleHealth(t *testing.T) {
	origVersion, origCommit := Version, Commit
	Version, Commit = "1.4.0", "9f1c2ab"
	t.Cleanup(func() { Version, Commit = origVersion, origCommit })

	rec := httptest.NewRecorder()
	HandleHealth().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := HealthResponse{Service: "pravasid", Status: "ok", Version: "1.4.0", Commit: "9f1c2ab"}
	if resp != want {
		t.Errorf("health = %+v, want %+v", resp, want)
	}
}

func TestHandleReady_definitionsOnly(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		Definitions: fakeDefinitions{machines: 6, checksum: "abc123"},
	})

	if code != http.StatusOK || resp.Status != "ready" {
		t.Fatalf("status = %d %q, want 200 ready", code, resp.Status)
	}
	if len(resp.Checks) != 1 {
		t.Errorf("checks = %v, want only definitions", resp.Checks)
	}
	if d := resp.Checks["definitions"].Detail; d != "6 machines, checksum abc123" {
		t.Errorf("definitions detail = %q", d)
	}
}

func TestHandleReady_noMachines(t *testing.T) {
	for name, src := range map[string]DefinitionSource{
		"nil source":     nil,
		"empty registry": fakeDefinitions{},
	} {
		t.Run(name, func(t *testing.T) {
			code, resp := serveReady(t, ReadinessChecks{Definitions: src})
			if code != http.StatusServiceUnavailable {
				t.Fatalf("status = %d, want 503", code)
			}
			if resp.Checks["definitions"].Error != "no machines loaded" {
				t.Errorf("definitions = %+v", resp.Checks["definitions"])
			}
		})
	}
}

func TestHandleReady_dependencies(t *testing.T) {
	tests := []struct {
		name       string
		checks     ReadinessChecks
		wantStatus int
		failing    []string
	}{
		{
			name: "all up",
			checks: ReadinessChecks{
				EntityStore:      fakeChecker{},
				IdempotencyStore: fakeChecker{},
				Notifications:    fakeChecker{},
			},
			wantStatus: http.StatusOK,
		},
		{
			name: "entity store down",
			checks: ReadinessChecks{
				EntityStore:   fakeChecker{err: errors.New("connection refused")},
				Notifications: fakeChecker{},
			},
			wantStatus: http.StatusServiceUnavailable,
			failing:    []string{"entity_store"},
		},
		{
			name: "redis down for both idempotency and notifications",
			checks: ReadinessChecks{
				EntityStore:      fakeChecker{},
				IdempotencyStore: fakeChecker{err: errors.New("dial tcp: i/o timeout")},
				Notifications:    fakeChecker{err: errors.New("dial tcp: i/o timeout")},
			},
			wantStatus: http.StatusServiceUnavailable,
			failing:    []string{"idempotency_store", "notifications"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.checks.Definitions = fakeDefinitions{machines: 6, checksum: "abc"}
			code, resp := serveReady(t, tt.checks)

			if code != tt.wantStatus {
				t.Errorf("status = %d, want %d", code, tt.wantStatus)
			}
			for _, name := range tt.failing {
				if resp.Checks[name].Status != "error" || resp.Checks[name].Error == "" {
					t.Errorf("%s = %+v, want an error", name, resp.Checks[name])
				}
			}
			if len(tt.failing) == 0 && resp.Status != "ready" {
				t.Errorf("overall = %q, want ready", resp.Status)
			}
		})
	}
}

func TestHandleReady_slowCheckerTimesOut(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the readiness check timeout")
	}
	code, resp := serveReady(t, ReadinessChecks{
		Definitions: fakeDefinitions{machines: 1, checksum: "x"},
		EntityStore: fakeChecker{delay: time.Minute},
	})
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if !strings.Contains(resp.Checks["entity_store"].Error, "deadline") {
		t.Errorf("entity_store error = %q, want a deadline error", resp.Checks["entity_store"].Error)
	}
}
