package main

import (
	"encoding/json"
	"fmt"
	"time"
)

// MetricKind identifies which demand chart a question maps to.
type MetricKind int

const (
	MetricUnknown MetricKind = iota
	MetricDonut          // aggregate demand breakdown by fulfillment
	MetricHistogram      // monthly demand breakdown over time
	MetricConversational // no data request, e.g. "thanks, that's all"
)

const (
	endpointDonut          = "demandByFulfillmentDonut"
	endpointHistogram      = "demandByFulfillmentHistogram"
	endpointConversational = "conversational"
)

func (m MetricKind) String() string {
	switch m {
	case MetricDonut:
		return endpointDonut
	case MetricHistogram:
		return endpointHistogram
	case MetricConversational:
		return endpointConversational
	}
	return "unknown"
}

func ParseMetricKind(s string) (MetricKind, error) {
	switch s {
	case endpointDonut:
		return MetricDonut, nil
	case endpointHistogram:
		return MetricHistogram, nil
	case endpointConversational:
		return MetricConversational, nil
	}
	return MetricUnknown, fmt.Errorf("unknown metric %q", s)
}

func (m MetricKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *MetricKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseMetricKind(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ChartKind returns the chart the frontend renders for this metric. The
// mapping is fixed: aggregate data is a donut, time-series data a stacked
// bar. Model-supplied chart kinds are always corrected to this mapping.
func (m MetricKind) ChartKind() string {
	switch m {
	case MetricDonut:
		return "donut"
	case MetricHistogram:
		return "stacked-bar"
	}
	return "none"
}

// ExtractionKind is the scalar a question asks for, independent of which
// chart the data comes from.
type ExtractionKind int

const (
	ExtractNone ExtractionKind = iota
	ExtractFirmOrder
	ExtractTotal
	ExtractOverdue
	ExtractForecasted
	ExtractMonthlyCount
	ExtractAverage
	ExtractHighestMonth
)

var extractionNames = map[ExtractionKind]string{
	ExtractNone:         "none",
	ExtractFirmOrder:    "firm_order",
	ExtractTotal:        "total",
	ExtractOverdue:      "overdue",
	ExtractForecasted:   "forecasted",
	ExtractMonthlyCount: "monthly_count",
	ExtractAverage:      "average",
	ExtractHighestMonth: "highest_month",
}

func (e ExtractionKind) String() string {
	if name, ok := extractionNames[e]; ok {
		return name
	}
	return "unknown"
}

func ParseExtractionKind(s string) (ExtractionKind, error) {
	for kind, name := range extractionNames {
		if name == s {
			return kind, nil
		}
	}
	return ExtractNone, fmt.Errorf("unknown extraction type %q", s)
}

func (e ExtractionKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.String())
}

func (e *ExtractionKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseExtractionKind(s)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// DateRange is an inclusive UTC window extracted from the question. Both
// bounds are always set together.
type DateRange struct {
	From  time.Time `json:"from"`
	Until time.Time `json:"until"`
}

func (r DateRange) Valid() bool {
	return !r.From.IsZero() && !r.Until.IsZero() && !r.From.After(r.Until)
}

// Intent is the structured reading of a free-text question.
type Intent struct {
	Metric     MetricKind
	Extraction ExtractionKind
	DateRange  *DateRange
	Confidence float64
}

// Category names as the data source reports them.
const (
	categoryFirmOrder  = "Firm Order"
	categoryOverdue    = "Overdue"
	categoryForecasted = "Forecasted"
)

// StackEntry is one fulfillment category inside a chart period.
type StackEntry struct {
	Name     string  `json:"name"`
	Quantity float64 `json:"quantity"`
	Value    float64 `json:"value"`
}

// ChartPeriod is one aggregate snapshot: the donut payload is a single
// period, the histogram payload one period per month.
type ChartPeriod struct {
	StartDate time.Time    `json:"startDate"`
	Stack     []StackEntry `json:"stackDataList"`
}

func (p ChartPeriod) Quantity(category string) float64 {
	for _, entry := range p.Stack {
		if entry.Name == category {
			return entry.Quantity
		}
	}
	return 0
}

func (p ChartPeriod) TotalQuantity() float64 {
	var total float64
	for _, entry := range p.Stack {
		total += entry.Quantity
	}
	return total
}

// MetricPayload carries either shape of chart data. Exactly one of Donut or
// Series is set, matching Metric.
type MetricPayload struct {
	Metric MetricKind
	Donut  *ChartPeriod
	Series []ChartPeriod
}

func DonutPayload(period ChartPeriod) MetricPayload {
	return MetricPayload{Metric: MetricDonut, Donut: &period}
}

func HistogramPayload(periods []ChartPeriod) MetricPayload {
	return MetricPayload{Metric: MetricHistogram, Series: periods}
}

// ChartData returns the payload in the wire shape the frontend renders:
// an object for donut data, an array for histogram data.
func (p MetricPayload) ChartData() any {
	switch p.Metric {
	case MetricDonut:
		if p.Donut == nil {
			return nil
		}
		return *p.Donut
	case MetricHistogram:
		return p.Series
	}
	return nil
}

func (p MetricPayload) Empty() bool {
	switch p.Metric {
	case MetricDonut:
		return p.Donut == nil
	case MetricHistogram:
		return len(p.Series) == 0
	}
	return true
}

// VisualizationDecision is the outcome of the agentic re-routing step: which
// payload the answer is narrated against and how it is rendered.
type VisualizationDecision struct {
	Metric    MetricKind
	Payload   MetricPayload
	ChartKind string
	Rationale string
}

// ExtractedValue is the scalar answer pulled out of a payload.
// StartDate is set only for highest_month extractions.
type ExtractedValue struct {
	Quantity  float64    `json:"quantity"`
	StartDate *time.Time `json:"start_date,omitempty"`
	Formatted string     `json:"formatted_value"`
}

// ProcessingSteps is the per-stage ledger returned to the caller.
type ProcessingSteps struct {
	IntentClassification string `json:"intent_classification"`
	GraphQLQuery         string `json:"graphql_query"`
	ResponseGeneration   string `json:"response_generation"`
}

const (
	stepSuccess = "success"
	stepSkipped = "skipped"
)

// PipelineResult is the caller-visible answer assembled by the orchestrator.
type PipelineResult struct {
	Question          string          `json:"question"`
	Answer            string          `json:"answer"`
	ChartData         any             `json:"chart_data"`
	VisualizationType string          `json:"visualization_type"`
	Endpoint          string          `json:"endpoint"`
	ExtractedData     ExtractedValue  `json:"extracted_data"`
	Confidence        float64         `json:"confidence"`
	ProcessingSteps   ProcessingSteps `json:"processing_steps"`
}
