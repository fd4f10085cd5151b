package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// scriptedLLM routes each completion by call site (the system prompt is
// fixed per site) so one fake can drive the whole pipeline.
type scriptedLLM struct {
	mu sync.Mutex

	intentReply    string
	intentErr      error
	decisionReply  string
	decisionErr    error
	narrationReply string
	narrationErr   error

	calls []CompletionRequest
}

func (f *scriptedLLM) Complete(_ context.Context, req CompletionRequest) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	switch req.System {
	case intentSystemPrompt:
		return f.intentReply, f.intentErr
	case decisionSystemPrompt:
		return f.decisionReply, f.decisionErr
	default:
		return f.narrationReply, f.narrationErr
	}
}

func (f *scriptedLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *scriptedLLM) lastNarrationPrompt(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].System != intentSystemPrompt && f.calls[i].System != decisionSystemPrompt {
			return f.calls[i].System
		}
	}
	t.Fatal("no narration call recorded")
	return ""
}

// --- deterministic data-source fixtures ---

func sampleDonutPeriod() ChartPeriod {
	return ChartPeriod{
		StartDate: time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
		Stack: []StackEntry{
			{Name: categoryOverdue, Quantity: 149, Value: 1079098.66},
			{Name: categoryForecasted, Quantity: 2316, Value: 14611009.21},
			{Name: categoryFirmOrder, Quantity: 4848, Value: 32595400.38},
		},
	}
}

func sampleHistogramPeriods() []ChartPeriod {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	periods := make([]ChartPeriod, 0, 19)
	for i := 0; i < 19; i++ {
		periods = append(periods, ChartPeriod{
			StartDate: start.AddDate(0, i, 0),
			Stack: []StackEntry{
				{Name: categoryOverdue, Quantity: float64(120 + i%40)},
				{Name: categoryForecasted, Quantity: float64(2000 + i*25)},
				{Name: categoryFirmOrder, Quantity: float64(3800 + i*35)},
			},
		})
	}
	return periods
}

// mockGraphQL is an httptest stand-in for the demand data source, answering
// donut, histogram, and listing queries with fixed payloads.
type mockGraphQL struct {
	srv *httptest.Server

	mu          sync.Mutex
	hits        int
	lastQuery   string
	lastVars    map[string]any
	lastHeaders http.Header
	simulations []Simulation
}

func newMockGraphQL(t *testing.T) *mockGraphQL {
	t.Helper()
	m := &mockGraphQL{
		simulations: []Simulation{{Identifier: "test-simulation", Name: "Test Simulation"}},
	}
	m.srv = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.srv.Close)
	return m
}

func (m *mockGraphQL) handle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Query     string         `json:"query"`
		Variables map[string]any `json:"variables"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.hits++
	m.lastQuery = body.Query
	m.lastVars = body.Variables
	m.lastHeaders = r.Header.Clone()
	sims := m.simulations
	m.mu.Unlock()

	var data map[string]any
	switch {
	case strings.Contains(body.Query, endpointDonut):
		data = map[string]any{"simulation": map[string]any{"charts": map[string]any{endpointDonut: sampleDonutPeriod()}}}
	case strings.Contains(body.Query, endpointHistogram):
		data = map[string]any{"simulation": map[string]any{"charts": map[string]any{endpointHistogram: sampleHistogramPeriods()}}}
	case strings.Contains(body.Query, "simulations"):
		data = map[string]any{"simulations": sims}
	default:
		data = map[string]any{"simulation": map[string]any{"charts": map[string]any{}}}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func (m *mockGraphQL) hitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits
}

func (m *mockGraphQL) fetcher(cfg Config) *Fetcher {
	cfg.GraphQLURL = m.srv.URL
	if cfg.SimulationID == "" {
		cfg.SimulationID = "test-simulation"
	}
	return NewFetcher(cfg, m.srv.Client())
}

// intentJSON renders a classifier reply the way the model is instructed to.
func intentJSON(endpoint, extraction string, confidence float64) string {
	return fmt.Sprintf(`{"endpoint": %q, "extraction_type": %q, "date_range": {"from": null, "until": null}, "confidence": %g}`,
		endpoint, extraction, confidence)
}
