// Package testutil provides shared helpers for Empathibot tests.
package testutil

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/Empathibot/internal/models"
	"github.com/BTreeMap/Empathibot/internal/store"
)

// Epoch is the fixed starting time used by StepClock.
var Epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// StepClock returns a strictly increasing time on every call, starting at Epoch.
// It is safe for concurrent use and can be passed wherever a func() time.Time is accepted.
type StepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewStepClock creates a clock that advances by step on each read.
func NewStepClock(step time.Duration) *StepClock {
	if step <= 0 {
		step = time.Second
	}
	return &StepClock{now: Epoch, step: step}
}

// Now returns the current time and advances the clock.
func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Advance jumps the clock forward by d.
func (c *StepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// SeedUsers creates one user per identity and returns them in order.
func SeedUsers(t *testing.T, st store.Store, identities ...string) []models.UserProfile {
	t.Helper()
	users := make([]models.UserProfile, 0, len(identities))
	for _, id := range identities {
		u, err := st.GetOrCreateUser(context.Background(), id)
		if err != nil {
			t.Fatalf("SeedUsers: GetOrCreateUser(%q): %v", id, err)
		}
		users = append(users, u)
	}
	return users
}

// WaitFor polls cond every 10ms until it returns true or timeout elapses.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// DecodeAPIResponse decodes the JSON envelope from a recorded response.
func DecodeAPIResponse(t *testing.T, rr *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode JSON response: %v (body %q)", err, rr.Body.String())
	}
	return resp
}
