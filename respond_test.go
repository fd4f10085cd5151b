package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestExtractFromDonut(t *testing.T) {
	payload := DonutPayload(sampleDonutPeriod())

	cases := []struct {
		kind ExtractionKind
		want float64
	}{
		{ExtractFirmOrder, 4848},
		{ExtractOverdue, 149},
		{ExtractForecasted, 2316},
		{ExtractTotal, 7313},
	}
	for _, tc := range cases {
		if got := extractValue(payload, tc.kind).Quantity; got != tc.want {
			t.Fatalf("extract %s = %f, want %f", tc.kind, got, tc.want)
		}
	}
}

func TestExtractTotalEqualsCategorySum(t *testing.T) {
	payload := DonutPayload(sampleDonutPeriod())
	sum := extractValue(payload, ExtractFirmOrder).Quantity +
		extractValue(payload, ExtractOverdue).Quantity +
		extractValue(payload, ExtractForecasted).Quantity
	if total := extractValue(payload, ExtractTotal).Quantity; total != sum {
		t.Fatalf("total %f != category sum %f", total, sum)
	}
}

func TestExtractAbsentCategoryIsZero(t *testing.T) {
	payload := DonutPayload(ChartPeriod{Stack: []StackEntry{{Name: categoryFirmOrder, Quantity: 10}}})
	if got := extractValue(payload, ExtractOverdue).Quantity; got != 0 {
		t.Fatalf("absent category must extract 0, got %f", got)
	}
}

func TestExtractAverage(t *testing.T) {
	periods := sampleHistogramPeriods()
	payload := HistogramPayload(periods)

	var total float64
	for _, p := range periods {
		total += p.TotalQuantity()
	}
	want := total / float64(len(periods))

	if got := extractValue(payload, ExtractAverage).Quantity; got != want {
		t.Fatalf("average = %f, want %f", got, want)
	}
}

func TestExtractAverageEmptySeriesIsZero(t *testing.T) {
	if got := extractValue(HistogramPayload(nil), ExtractAverage).Quantity; got != 0 {
		t.Fatalf("empty series average must be 0, got %f", got)
	}
}

func TestExtractMonthlyCountPositiveFirmOrdersOnly(t *testing.T) {
	periods := []ChartPeriod{
		{Stack: []StackEntry{{Name: categoryFirmOrder, Quantity: 100}}},
		{Stack: []StackEntry{{Name: categoryFirmOrder, Quantity: 0}, {Name: categoryOverdue, Quantity: 50}}},
		{Stack: []StackEntry{{Name: categoryForecasted, Quantity: 70}}},
		{Stack: []StackEntry{{Name: categoryFirmOrder, Quantity: 1}}},
	}
	if got := extractValue(HistogramPayload(periods), ExtractMonthlyCount).Quantity; got != 2 {
		t.Fatalf("monthly count = %f, want 2", got)
	}
}

func TestExtractHighestMonthTieKeepsFirst(t *testing.T) {
	jan := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	feb := jan.AddDate(0, 1, 0)
	mar := jan.AddDate(0, 2, 0)
	periods := []ChartPeriod{
		{StartDate: jan, Stack: []StackEntry{{Name: categoryFirmOrder, Quantity: 100}}},
		{StartDate: feb, Stack: []StackEntry{{Name: categoryFirmOrder, Quantity: 400}}},
		{StartDate: mar, Stack: []StackEntry{{Name: categoryFirmOrder, Quantity: 400}}},
	}

	got := extractValue(HistogramPayload(periods), ExtractHighestMonth)
	if got.Quantity != 400 {
		t.Fatalf("highest month quantity = %f, want 400", got.Quantity)
	}
	if got.StartDate == nil || !got.StartDate.Equal(feb) {
		t.Fatalf("tie must keep first occurrence, got %v", got.StartDate)
	}
}

func TestFormatExtracted(t *testing.T) {
	if got := formatExtracted(MetricDonut, ExtractTotal, ExtractedValue{Quantity: 7313}); got != "7,313 units" {
		t.Fatalf("donut formatting = %q", got)
	}
	if got := formatExtracted(MetricHistogram, ExtractMonthlyCount, ExtractedValue{Quantity: 19}); got != "19" {
		t.Fatalf("histogram count formatting = %q", got)
	}
	if got := formatExtracted(MetricHistogram, ExtractHighestMonth, ExtractedValue{Quantity: 7018}); got != "7,018 units" {
		t.Fatalf("highest month formatting = %q", got)
	}
}

func newSynthesisRequest(metric MetricKind) SynthesisRequest {
	var payload MetricPayload
	extraction := ExtractTotal
	if metric == MetricDonut {
		payload = DonutPayload(sampleDonutPeriod())
	} else {
		payload = HistogramPayload(sampleHistogramPeriods())
		extraction = ExtractHighestMonth
	}
	return SynthesisRequest{
		Question:     "What is my total demand?",
		Intent:       Intent{Metric: metric, Extraction: extraction, Confidence: 0.95},
		Payload:      payload,
		Alternatives: map[MetricKind]MetricPayload{metric: payload},
	}
}

func TestSynthesizeRejectsMissingQuestion(t *testing.T) {
	req := newSynthesisRequest(MetricDonut)
	req.Question = "  "
	_, err := NewSynthesizer(&scriptedLLM{}).Synthesize(context.Background(), req)
	stageErr, ok := AsStageError(err)
	if !ok || stageErr.Kind != FailCallerInput {
		t.Fatalf("expected caller input failure, got %v", err)
	}
}

func TestSynthesizeRejectsMismatchedPayload(t *testing.T) {
	req := newSynthesisRequest(MetricDonut)
	req.Payload = HistogramPayload(sampleHistogramPeriods())
	_, err := NewSynthesizer(&scriptedLLM{}).Synthesize(context.Background(), req)
	stageErr, ok := AsStageError(err)
	if !ok || stageErr.Kind != FailCallerInput {
		t.Fatalf("expected caller input failure, got %v", err)
	}
}

func TestDecisionFallsBackWhenChosenPayloadUnavailable(t *testing.T) {
	llm := &scriptedLLM{
		decisionReply:  `{"visualization_type": "stacked-bar", "endpoint": "demandByFulfillmentHistogram", "reasoning": "trends need time"}`,
		narrationReply: "narrated answer",
	}
	req := newSynthesisRequest(MetricDonut) // histogram payload was never fetched

	synth, err := NewSynthesizer(llm).Synthesize(context.Background(), req)
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if synth.Decision.Metric != MetricDonut {
		t.Fatalf("expected fallback to classified metric, got %s", synth.Decision.Metric)
	}
	if synth.Decision.ChartKind != "donut" {
		t.Fatalf("chart kind must be corrected to the deterministic mapping, got %q", synth.Decision.ChartKind)
	}
}

func TestDecisionOverrideSwitchesPayloadAndReextracts(t *testing.T) {
	donut := DonutPayload(sampleDonutPeriod())
	histogram := HistogramPayload(sampleHistogramPeriods())
	llm := &scriptedLLM{
		decisionReply:  `{"visualization_type": "donut", "endpoint": "demandByFulfillmentDonut", "reasoning": "totals fit a donut"}`,
		narrationReply: "narrated answer",
	}
	req := SynthesisRequest{
		Question: "What is my total demand?",
		Intent:   Intent{Metric: MetricHistogram, Extraction: ExtractAverage, Confidence: 0.9},
		Payload:  histogram,
		Alternatives: map[MetricKind]MetricPayload{
			MetricHistogram: histogram,
			MetricDonut:     donut,
		},
	}

	synth, err := NewSynthesizer(llm).Synthesize(context.Background(), req)
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if synth.Decision.Metric != MetricDonut || synth.Decision.ChartKind != "donut" {
		t.Fatalf("expected override to donut, got %s/%s", synth.Decision.Metric, synth.Decision.ChartKind)
	}
	// Average is recomputed against the donut payload's single period.
	if synth.Extracted.Quantity != 0 {
		// extraction kinds that have no donut meaning read zero
		t.Fatalf("re-extraction against donut for average should be 0, got %f", synth.Extracted.Quantity)
	}
}

func TestDecisionUnparsableReplyKeepsCurrent(t *testing.T) {
	llm := &scriptedLLM{decisionReply: "definitely the bar chart", narrationReply: "ok"}
	req := newSynthesisRequest(MetricHistogram)

	synth, err := NewSynthesizer(llm).Synthesize(context.Background(), req)
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if synth.Decision.Metric != MetricHistogram || synth.Decision.ChartKind != "stacked-bar" {
		t.Fatalf("expected current metric kept, got %s/%s", synth.Decision.Metric, synth.Decision.ChartKind)
	}
}

func TestNarrationPromptOmitsZeroCategories(t *testing.T) {
	period := ChartPeriod{
		StartDate: time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
		Stack: []StackEntry{
			{Name: categoryOverdue, Quantity: 0},
			{Name: categoryForecasted, Quantity: 2316},
			{Name: categoryFirmOrder, Quantity: 4848},
		},
	}
	payload := DonutPayload(period)
	llm := &scriptedLLM{decisionErr: errors.New("down"), narrationReply: "all good"}
	req := SynthesisRequest{
		Question:     "What is my total demand?",
		Intent:       Intent{Metric: MetricDonut, Extraction: ExtractTotal, Confidence: 0.9},
		Payload:      payload,
		Alternatives: map[MetricKind]MetricPayload{MetricDonut: payload},
	}

	if _, err := NewSynthesizer(llm).Synthesize(context.Background(), req); err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}

	prompt := llm.lastNarrationPrompt(t)
	if strings.Contains(prompt, "Overdue:") {
		t.Fatalf("zero-valued category leaked into narration prompt:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Firm Orders: 4,848 units") {
		t.Fatalf("non-zero category missing from narration prompt:\n%s", prompt)
	}
}

func TestNarrationPromptNamesDateRange(t *testing.T) {
	llm := &scriptedLLM{narrationReply: "with dates"}
	req := newSynthesisRequest(MetricDonut)
	req.Intent.DateRange = &DateRange{
		From:  time.Date(2025, time.December, 1, 0, 0, 0, 0, time.UTC),
		Until: time.Date(2026, time.May, 31, 23, 59, 59, 0, time.UTC),
	}

	if _, err := NewSynthesizer(llm).Synthesize(context.Background(), req); err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	prompt := llm.lastNarrationPrompt(t)
	if !strings.Contains(prompt, "December 2025") || !strings.Contains(prompt, "May 2026") {
		t.Fatalf("expected human-readable period in prompt:\n%s", prompt)
	}
}

func TestDecisionPromptCarriesConversationHistory(t *testing.T) {
	llm := &scriptedLLM{
		decisionReply:  `{"visualization_type": "donut", "endpoint": "demandByFulfillmentDonut", "reasoning": "aggregate"}`,
		narrationReply: "ok",
	}
	req := newSynthesisRequest(MetricDonut)
	req.ConversationHistory = "User: Show me monthly trends\nAssistant: Demand climbs month over month."
	req.IsFollowup = true

	if _, err := NewSynthesizer(llm).Synthesize(context.Background(), req); err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}

	llm.mu.Lock()
	defer llm.mu.Unlock()
	var prompt string
	for _, call := range llm.calls {
		if call.System == decisionSystemPrompt {
			prompt = call.User
		}
	}
	if prompt == "" {
		t.Fatal("no decision call recorded")
	}
	if !strings.Contains(prompt, req.ConversationHistory) {
		t.Fatalf("conversation history missing from decision prompt:\n%s", prompt)
	}
}

func TestNarrationPromptCarriesFollowupContext(t *testing.T) {
	llm := &scriptedLLM{narrationReply: "continuing"}
	req := newSynthesisRequest(MetricDonut)
	req.ConversationHistory = "User: What is my total demand?\nAssistant: 7,313 units."
	req.IsFollowup = true

	if _, err := NewSynthesizer(llm).Synthesize(context.Background(), req); err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	prompt := llm.lastNarrationPrompt(t)
	if !strings.Contains(prompt, "follow-up question") || !strings.Contains(prompt, req.ConversationHistory) {
		t.Fatalf("expected follow-up context in prompt:\n%s", prompt)
	}
}

func TestFallbackNarrationTotalBreakdown(t *testing.T) {
	llm := &scriptedLLM{
		decisionErr:  errors.New("completion service down"),
		narrationErr: errors.New("completion service down"),
	}
	req := newSynthesisRequest(MetricDonut)

	synth, err := NewSynthesizer(llm).Synthesize(context.Background(), req)
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	want := "Your total demand across all order types is 7,313 units, which includes Overdue: 149 units, Forecasted: 2,316 units, Firm Order: 4,848 units."
	if synth.Answer != want {
		t.Fatalf("fallback narration = %q, want %q", synth.Answer, want)
	}
}

func TestFallbackNarrationOmitsZeroCategories(t *testing.T) {
	period := ChartPeriod{Stack: []StackEntry{
		{Name: categoryOverdue, Quantity: 0},
		{Name: categoryFirmOrder, Quantity: 100},
	}}
	payload := DonutPayload(period)
	got := fallbackNarration(MetricDonut, ExtractTotal, payload, ExtractedValue{Quantity: 100, Formatted: "100 units"})
	if strings.Contains(got, categoryOverdue) {
		t.Fatalf("zero-valued category leaked into fallback narration: %q", got)
	}
}

func TestFallbackNarrationPerExtraction(t *testing.T) {
	donut := DonutPayload(sampleDonutPeriod())
	histogram := HistogramPayload(sampleHistogramPeriods())
	start := time.Date(2026, time.July, 1, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		metric    MetricKind
		kind      ExtractionKind
		payload   MetricPayload
		extracted ExtractedValue
		want      string
	}{
		{MetricDonut, ExtractFirmOrder, donut, ExtractedValue{Quantity: 4848, Formatted: "4,848 units"},
			"Your total firm order demand is 4,848 units."},
		{MetricDonut, ExtractOverdue, donut, ExtractedValue{Quantity: 149, Formatted: "149 units"},
			"You have 149 units in overdue orders."},
		{MetricHistogram, ExtractMonthlyCount, histogram, ExtractedValue{Quantity: 19, Formatted: "19"},
			"You have firm orders in 19 months."},
		{MetricHistogram, ExtractHighestMonth, histogram, ExtractedValue{Quantity: 7018, StartDate: &start, Formatted: "7,018 units"},
			"Your highest demand month is July 2026 with 7,018 units."},
	}
	for _, tc := range cases {
		if got := fallbackNarration(tc.metric, tc.kind, tc.payload, tc.extracted); got != tc.want {
			t.Fatalf("fallbackNarration(%s, %s) = %q, want %q", tc.metric, tc.kind, got, tc.want)
		}
	}
}
