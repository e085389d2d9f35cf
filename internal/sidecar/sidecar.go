// Package sidecar builds addresses for the remote sidecar HTTP service and
// performs health-gated readiness waits, grounded in the teacher's
// skabandclient dial/retry conventions (bounded retries, explicit
// timeouts) adapted from skaband's session RPC to sidecar health polling.
package sidecar

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var invalidDNSChar = regexp.MustCompile(`[^a-z0-9-]`)

// SanitizeTaskID produces a DNS-1123-safe resource name from a raw task
// ID: lowercased, invalid characters replaced with '-', runs of '-'
// collapsed, leading/trailing '-' trimmed, truncated to 63 chars. Stable
// under a second application (spec §8 invariant 9).
func SanitizeTaskID(id string) string {
	s := strings.ToLower(id)
	s = invalidDNSChar.ReplaceAllString(s, "-")
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	s = strings.Trim(s, "-")
	if len(s) > 63 {
		s = s[:63]
		s = strings.Trim(s, "-")
	}
	return s
}

// BaseURL builds the sidecar's base URL for taskID inside namespace, per
// spec §6: http://shadow-vm-<sanitized>.<namespace>.svc.cluster.local:8080
func BaseURL(taskID, namespace string) string {
	return fmt.Sprintf("http://shadow-vm-%s.%s.svc.cluster.local:8080", SanitizeTaskID(taskID), namespace)
}

// HealthChecker is satisfied by executor.Remote (and any test double).
type HealthChecker interface {
	Health(ctx context.Context) error
}

// WaitReady polls hc.Health every interval until it succeeds or attempts
// are exhausted, implementing InitEngine's WAIT_VM_READY bound (spec §4.3:
// ≤ 5 × 2s = 10s).
func WaitReady(ctx context.Context, hc HealthChecker, attempts int, interval time.Duration) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := hc.Health(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("sidecar not ready after %d attempts: %w", attempts, lastErr)
}
