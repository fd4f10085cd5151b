package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

const stageGraphQLQuery = "graphql_query"

// Default query window when the question carries no date range.
var (
	defaultWindowFrom  = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	defaultWindowUntil = time.Date(2025, time.November, 27, 0, 0, 0, 0, time.UTC)
)

const defaultPeriodCount = 19

const donutQuery = `
	query DonutQuery($simulationId: UUID!, $from: Instant!, $until: Instant!, $sites: [UUID!]!, $buffer: Float!, $useProjectedCompletion: Boolean) {
		simulation(identifier: $simulationId) {
			charts {
				demandByFulfillmentDonut(
					from: $from
					until: $until
					sites: $sites
					onTimeDeliveryBuffer: $buffer
					useProjectedCompletion: $useProjectedCompletion
				) {
					startDate
					stackDataList {
						name
						value
						quantity
					}
				}
			}
		}
	}`

const histogramQuery = `
	query HistogramQuery($simulationId: UUID!, $periodBoundaries: [Instant!]!, $sites: [UUID!]!, $buffer: Float!) {
		simulation(identifier: $simulationId) {
			charts {
				demandByFulfillmentHistogram(
					periodBoundaries: $periodBoundaries
					sites: $sites
					onTimeDeliveryBuffer: $buffer
				) {
					startDate
					stackDataList {
						name
						quantity
						value
					}
				}
			}
		}
	}`

const listSimulationsQuery = `
	query ListSimulations {
		simulations {
			identifier
			name
		}
	}`

// Fetcher executes parameterized chart queries against the demand data
// source. It performs no retries; a call either returns a fully shaped
// payload or a stage failure.
type Fetcher struct {
	url          string
	authToken    string
	simulationID string
	buffer       float64
	httpClient   *http.Client
}

func NewFetcher(cfg Config, httpClient *http.Client) *Fetcher {
	return &Fetcher{
		url:          cfg.GraphQLURL,
		authToken:    cfg.GraphQLAuthToken,
		simulationID: cfg.SimulationID,
		buffer:       cfg.OnTimeDeliveryBuffer,
		httpClient:   httpClient,
	}
}

type Simulation struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
}

type graphQLResponse struct {
	Data struct {
		Simulation struct {
			Charts map[string]json.RawMessage `json:"charts"`
		} `json:"simulation"`
		Simulations []Simulation `json:"simulations"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Fetch returns the named metric's payload, windowed to dateRange when one
// is supplied.
func (f *Fetcher) Fetch(ctx context.Context, metric MetricKind, dateRange *DateRange) (MetricPayload, error) {
	from, until := defaultWindowFrom, defaultWindowUntil
	if dateRange != nil && dateRange.Valid() {
		from, until = dateRange.From, dateRange.Until
		log.Printf("fetch using custom date range %s to %s", from.Format(time.RFC3339), until.Format(time.RFC3339))
	}

	var query string
	variables := map[string]any{
		"simulationId": f.simulationID,
		"sites":        []string{}, // empty means all sites
		"buffer":       f.buffer,
	}
	switch metric {
	case MetricDonut:
		query = donutQuery
		variables["from"] = from.Format(time.RFC3339)
		variables["until"] = until.Format(time.RFC3339)
		// useProjectedCompletion is optional and unset, so it is omitted.
	case MetricHistogram:
		query = histogramQuery
		var boundaries []time.Time
		if dateRange != nil && dateRange.Valid() {
			boundaries = rangePeriodBoundaries(from, until)
		} else {
			boundaries = defaultPeriodBoundaries()
		}
		log.Printf("fetch generated %d period boundaries", len(boundaries))
		formatted := make([]string, len(boundaries))
		for i, b := range boundaries {
			formatted[i] = b.Format(time.RFC3339)
		}
		variables["periodBoundaries"] = formatted
	default:
		return MetricPayload{}, dataErr(stageGraphQLQuery, fmt.Errorf("metric %s has no query", metric))
	}

	resp, err := f.execute(ctx, query, variables)
	if err != nil {
		return MetricPayload{}, err
	}

	raw, ok := resp.Data.Simulation.Charts[metric.String()]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return MetricPayload{}, dataErr(stageGraphQLQuery, fmt.Errorf("no data returned for metric %s", metric))
	}

	switch metric {
	case MetricDonut:
		var period ChartPeriod
		if err := json.Unmarshal(raw, &period); err != nil {
			return MetricPayload{}, dataErr(stageGraphQLQuery, fmt.Errorf("decoding donut payload: %w", err))
		}
		return DonutPayload(period), nil
	default:
		var periods []ChartPeriod
		if err := json.Unmarshal(raw, &periods); err != nil {
			return MetricPayload{}, dataErr(stageGraphQLQuery, fmt.Errorf("decoding histogram payload: %w", err))
		}
		return HistogramPayload(periods), nil
	}
}

// ListSimulations returns every simulation the data source knows about.
// An empty list is a not-found failure, not an empty success.
func (f *Fetcher) ListSimulations(ctx context.Context) ([]Simulation, error) {
	resp, err := f.execute(ctx, listSimulationsQuery, map[string]any{})
	if err != nil {
		return nil, err
	}
	if len(resp.Data.Simulations) == 0 {
		return nil, notFoundErr(stageGraphQLQuery, fmt.Errorf("no simulations found"))
	}
	return resp.Data.Simulations, nil
}

func (f *Fetcher) execute(ctx context.Context, query string, variables map[string]any) (*graphQLResponse, error) {
	body, err := json.Marshal(map[string]any{
		"query":     query,
		"variables": variables,
	})
	if err != nil {
		return nil, dataErr(stageGraphQLQuery, fmt.Errorf("marshaling query: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, "POST", f.url, bytes.NewReader(body))
	if err != nil {
		return nil, connectivityErr(stageGraphQLQuery, fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if f.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+f.authToken)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, connectivityErr(stageGraphQLQuery, fmt.Errorf("failed to connect to GraphQL API: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, connectivityErr(stageGraphQLQuery, fmt.Errorf("reading response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		preview := respBody
		if len(preview) > 200 {
			preview = preview[:200]
		}
		return nil, dataErr(stageGraphQLQuery, fmt.Errorf("GraphQL API returned %d: %s", resp.StatusCode, preview))
	}

	var parsed graphQLResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, dataErr(stageGraphQLQuery, fmt.Errorf("decoding response: %w", err))
	}
	if len(parsed.Errors) > 0 {
		messages := make([]string, len(parsed.Errors))
		for i, e := range parsed.Errors {
			messages[i] = e.Message
		}
		return nil, dataErr(stageGraphQLQuery, fmt.Errorf("GraphQL errors: %v", messages))
	}
	return &parsed, nil
}

// defaultPeriodBoundaries produces the fixed 19-month window used when no
// explicit range is given. It steps in flat 30-day offsets from the window
// start and pins each result to the first of its month, so late months
// drift relative to true calendar arithmetic. rangePeriodBoundaries does it
// properly; the two paths are intentionally kept separate.
func defaultPeriodBoundaries() []time.Time {
	boundaries := make([]time.Time, 0, defaultPeriodCount)
	for i := 0; i < defaultPeriodCount; i++ {
		d := defaultWindowFrom.Add(time.Duration(i) * 30 * 24 * time.Hour)
		boundaries = append(boundaries, time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC))
	}
	return boundaries
}

// rangePeriodBoundaries walks calendar months from the first of from's
// month through until, then appends until itself when it falls past the
// last month start.
func rangePeriodBoundaries(from, until time.Time) []time.Time {
	var boundaries []time.Time
	current := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, time.UTC)
	for !current.After(until) {
		boundaries = append(boundaries, current)
		current = current.AddDate(0, 1, 0)
	}
	if n := len(boundaries); n > 0 && until.After(boundaries[n-1]) {
		boundaries = append(boundaries, until.UTC())
	}
	return boundaries
}
