package testutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// MockCDN is a test server standing in for the remote asset host. Each song id has a
// script of status codes served in order; the last one repeats. Unknown ids get 404.
type MockCDN struct {
	*httptest.Server

	mu      sync.Mutex
	scripts map[string][]int
	bodies  map[string][]byte
	hits    map[string]int
}

// NewMockCDN starts a mock CDN that is closed when the test ends.
func NewMockCDN(t *testing.T) *MockCDN {
	t.Helper()
	m := &MockCDN{
		scripts: make(map[string][]int),
		bodies:  make(map[string][]byte),
		hits:    make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(m.Close)
	return m
}

// Script sets the sequence of status codes returned for songID; 200 responses carry body.
func (m *MockCDN) Script(songID string, body []byte, statuses ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[songID] = statuses
	m.bodies[songID] = body
}

// Hits returns how many requests were made for songID.
func (m *MockCDN) Hits(songID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[songID]
}

func (m *MockCDN) serve(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/"), ".mp3")
	m.mu.Lock()
	n := m.hits[id]
	m.hits[id] = n + 1
	script := m.scripts[id]
	body := m.bodies[id]
	m.mu.Unlock()

	status := http.StatusNotFound
	if len(script) > 0 {
		if n >= len(script) {
			n = len(script) - 1
		}
		status = script[n]
	}
	if status/100 != 2 {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	w.WriteHeader(status)
	_, _ = w.Write(body) //nolint:errcheck // test mock response
}
