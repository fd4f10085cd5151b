package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const stageResponseGeneration = "response_generation"

const decisionMaxTokens = 200
const decisionTemperature = 0.2
const narrationMaxTokens = 700 // roughly 500 words, the hard upper bound
const narrationTemperature = 0.5

// Synthesizer turns a fetched payload into the final answer: it extracts
// the scalar the question asked for, lets the model re-decide which
// visualization fits best, and narrates the chosen chart.
type Synthesizer struct {
	llm CompletionClient
}

func NewSynthesizer(llm CompletionClient) *Synthesizer {
	return &Synthesizer{llm: llm}
}

type SynthesisRequest struct {
	Question            string
	Intent              Intent
	Payload             MetricPayload
	Alternatives        map[MetricKind]MetricPayload
	ConversationHistory string
	IsFollowup          bool
}

type Synthesis struct {
	Answer    string
	Decision  VisualizationDecision
	Extracted ExtractedValue
}

func (s *Synthesizer) Synthesize(ctx context.Context, req SynthesisRequest) (Synthesis, error) {
	if strings.TrimSpace(req.Question) == "" {
		return Synthesis{}, callerInputErr(stageResponseGeneration, fmt.Errorf("missing question"))
	}
	if req.Intent.Metric != MetricDonut && req.Intent.Metric != MetricHistogram {
		return Synthesis{}, callerInputErr(stageResponseGeneration, fmt.Errorf("metric %s is not narratable", req.Intent.Metric))
	}
	if req.Payload.Metric != req.Intent.Metric || req.Payload.Empty() {
		return Synthesis{}, callerInputErr(stageResponseGeneration, fmt.Errorf("payload missing or does not match metric %s", req.Intent.Metric))
	}

	extracted := extractValue(req.Payload, req.Intent.Extraction)

	decision := s.decideVisualization(ctx, req)
	if decision.Metric != req.Intent.Metric {
		// The override switched payloads, so the scalar has to be recomputed
		// against the newly selected one.
		extracted = extractValue(decision.Payload, req.Intent.Extraction)
	}
	extracted.Formatted = formatExtracted(decision.Metric, req.Intent.Extraction, extracted)

	answer, err := s.narrate(ctx, req, decision, extracted)
	if err != nil {
		log.Printf("narration model call failed, using template fallback: %v", err)
		answer = fallbackNarration(decision.Metric, req.Intent.Extraction, decision.Payload, extracted)
	}

	return Synthesis{Answer: answer, Decision: decision, Extracted: extracted}, nil
}

// --- Step 1: value extraction ---

func extractValue(payload MetricPayload, kind ExtractionKind) ExtractedValue {
	switch payload.Metric {
	case MetricDonut:
		return extractFromDonut(*payload.Donut, kind)
	case MetricHistogram:
		return extractFromHistogram(payload.Series, kind)
	}
	return ExtractedValue{}
}

func extractFromDonut(period ChartPeriod, kind ExtractionKind) ExtractedValue {
	switch kind {
	case ExtractFirmOrder:
		return ExtractedValue{Quantity: period.Quantity(categoryFirmOrder)}
	case ExtractOverdue:
		return ExtractedValue{Quantity: period.Quantity(categoryOverdue)}
	case ExtractForecasted:
		return ExtractedValue{Quantity: period.Quantity(categoryForecasted)}
	case ExtractTotal:
		return ExtractedValue{Quantity: period.TotalQuantity()}
	}
	return ExtractedValue{}
}

func extractFromHistogram(periods []ChartPeriod, kind ExtractionKind) ExtractedValue {
	switch kind {
	case ExtractMonthlyCount:
		count := 0
		for _, period := range periods {
			if period.Quantity(categoryFirmOrder) > 0 {
				count++
			}
		}
		return ExtractedValue{Quantity: float64(count)}

	case ExtractAverage:
		if len(periods) == 0 {
			return ExtractedValue{}
		}
		var total float64
		for _, period := range periods {
			total += period.TotalQuantity()
		}
		return ExtractedValue{Quantity: total / float64(len(periods))}

	case ExtractHighestMonth:
		var max float64
		var maxStart *time.Time
		for _, period := range periods {
			// Strictly greater keeps the first occurrence on ties.
			if total := period.TotalQuantity(); total > max {
				max = total
				start := period.StartDate
				maxStart = &start
			}
		}
		return ExtractedValue{Quantity: max, StartDate: maxStart}
	}
	return ExtractedValue{}
}

func formatQuantityUnits(v float64) string {
	return humanize.Comma(int64(v)) + " units"
}

func formatExtracted(metric MetricKind, kind ExtractionKind, v ExtractedValue) string {
	if kind == ExtractHighestMonth || metric == MetricDonut {
		return formatQuantityUnits(v.Quantity)
	}
	return strconv.Itoa(int(v.Quantity))
}

// --- Step 2: visualization re-decision ---

const decisionSystemPrompt = "You are a data visualization expert. Always respond with valid JSON only."

type decisionReply struct {
	VisualizationType string `json:"visualization_type"`
	Endpoint          string `json:"endpoint"`
	Reasoning         string `json:"reasoning"`
}

// decideVisualization asks the model, independent of the classified metric,
// which chart answers the question best. Anything unusable in the reply
// falls back to the classified metric, and the chart kind is always forced
// to the deterministic metric-to-chart mapping.
func (s *Synthesizer) decideVisualization(ctx context.Context, req SynthesisRequest) VisualizationDecision {
	current := VisualizationDecision{
		Metric:    req.Intent.Metric,
		Payload:   req.Payload,
		ChartKind: req.Intent.Metric.ChartKind(),
		Rationale: "Selected by intent classification",
	}

	available := func(m MetricKind) string {
		if payload, ok := req.Alternatives[m]; ok && !payload.Empty() {
			return "Available"
		}
		return "Not available"
	}

	userPrompt := fmt.Sprintf(`User Question: %s

Available visualizations:
- Donut Chart: %s - Shows aggregate totals (Firm Order, Overdue, Forecasted)
- Histogram/Bar Chart: %s - Shows time-based breakdown by month

Current visualization: %s

Based on the user's question, decide which visualization type would be most helpful:
- Use DONUT chart if the question is about: totals, aggregates, overall demand, percentages, comparisons between categories
- Use HISTOGRAM/BAR chart if the question is about: time trends, monthly breakdown, projections over time, specific months, patterns over time

Respond with ONLY a JSON object:
{"visualization_type": "donut" or "stacked-bar", "endpoint": "demandByFulfillmentDonut" or "demandByFulfillmentHistogram", "reasoning": "brief explanation of why this visualization is best"}`,
		req.Question, available(MetricDonut), available(MetricHistogram), req.Intent.Metric)

	if req.ConversationHistory != "" {
		userPrompt += fmt.Sprintf("\n\n%s\n\nConsider the conversation so far when choosing.", req.ConversationHistory)
	}

	reply, err := s.llm.Complete(ctx, CompletionRequest{
		System:      decisionSystemPrompt,
		User:        userPrompt,
		Temperature: decisionTemperature,
		MaxTokens:   decisionMaxTokens,
	})
	if err != nil {
		log.Printf("visualization decision failed, keeping %s: %v", current.Metric, err)
		return current
	}

	parsed, err := parseDecisionReply(reply)
	if err != nil {
		log.Printf("visualization decision unusable, keeping %s: %v", current.Metric, err)
		return current
	}

	chosen, err := ParseMetricKind(parsed.Endpoint)
	if err != nil {
		log.Printf("visualization decision named unknown metric, keeping %s: %v", current.Metric, err)
		return current
	}
	payload, ok := req.Alternatives[chosen]
	if !ok || payload.Empty() {
		// The model wanted a payload nobody fetched; stand pat.
		return current
	}

	return VisualizationDecision{
		Metric:    chosen,
		Payload:   payload,
		ChartKind: chosen.ChartKind(),
		Rationale: parsed.Reasoning,
	}
}

func parseDecisionReply(text string) (decisionReply, error) {
	text = stripCodeFence(text)
	// Models pad JSON with prose; keep only the outermost object.
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return decisionReply{}, fmt.Errorf("no JSON object in decision reply")
	}
	var reply decisionReply
	if err := json.Unmarshal([]byte(text[start:end+1]), &reply); err != nil {
		return decisionReply{}, fmt.Errorf("parsing decision reply: %w", err)
	}
	return reply, nil
}

// --- Step 3: narration ---

const narrationInstructions = `CRITICAL INSTRUCTIONS - YOU MUST FOLLOW THESE:
1. EXPLAIN THE CHART IN DETAIL: Start by describing what the chart visualization shows. For donut charts, describe each segment's size and position. For histograms, describe the bars, trends, and time periods.
2. PROVIDE COMPREHENSIVE ANALYSIS: Break down each category with specific quantities, calculate and explain percentages, and compare categories with ratios.
3. PROVIDE BUSINESS INSIGHTS: What does this data mean for production planning, inventory management, and risk?
4. Include specific numbers: exact quantities, percentages, and ratios from the data provided.
5. Be conversational but professional, as if explaining to a colleague.
6. Only mention categories that have non-zero values. Do NOT mention categories with zero values.
7. Keep the response between 300 and 500 words. Do not exceed 500 words.`

func (s *Synthesizer) narrate(ctx context.Context, req SynthesisRequest, decision VisualizationDecision, extracted ExtractedValue) (string, error) {
	var dataContext string
	chartName := "donut chart"
	if decision.Metric == MetricDonut {
		dataContext = donutContext(*decision.Payload.Donut, req.Question)
	} else {
		dataContext = histogramContext(decision.Payload.Series)
		chartName = "histogram/bar chart"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are an AI assistant for manufacturing demand software.\n")
	fmt.Fprintf(&b, "Your job is to analyze manufacturing data and answer user questions in a clear, natural, and insightful way.\n\n")
	fmt.Fprintf(&b, "User Question: %s\n", req.Question)
	fmt.Fprintf(&b, "Extracted Value: %s\n", extracted.Formatted)
	fmt.Fprintf(&b, "Data Context:\n%s\n", dataContext)

	if req.Intent.DateRange != nil {
		fmt.Fprintf(&b, "\nDate Range: The data shown covers the period from %s to %s. Make sure to mention this specific time period in your response.\n",
			monthYear(req.Intent.DateRange.From), monthYear(req.Intent.DateRange.Until))
	}
	if req.IsFollowup && req.ConversationHistory != "" {
		fmt.Fprintf(&b, "\n%s\n\nThis is a follow-up question. Use the previous conversation context to provide a more detailed answer about the data that was already shown, rather than restarting the explanation.\n",
			req.ConversationHistory)
	}
	if decision.Rationale != "" {
		fmt.Fprintf(&b, "\nVisualization Decision: the %s was chosen because %s. Explain why this visualization is helpful for answering the question.\n",
			decision.ChartKind, decision.Rationale)
	}

	fmt.Fprintf(&b, "\nThe user will see a %s visualization showing this data. Your response should explain the chart in detail.\n\n", chartName)
	b.WriteString(narrationInstructions)

	userMessage := req.Question
	if req.IsFollowup {
		userMessage += "\n\nThis is a follow-up question. Provide a detailed answer using the data context above."
	}

	reply, err := s.llm.Complete(ctx, CompletionRequest{
		System:      b.String(),
		User:        userMessage,
		Temperature: narrationTemperature,
		MaxTokens:   narrationMaxTokens,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}

// donutContext renders the aggregate breakdown for the narration prompt.
// Zero-quantity categories are left out entirely so the model never sees
// them.
func donutContext(period ChartPeriod, question string) string {
	firm := period.Quantity(categoryFirmOrder)
	overdue := period.Quantity(categoryOverdue)
	forecasted := period.Quantity(categoryForecasted)
	total := firm + overdue + forecasted

	var b strings.Builder
	b.WriteString("Complete data breakdown:\n")
	if firm > 0 {
		fmt.Fprintf(&b, "Firm Orders: %s\n", formatQuantityUnits(firm))
	}
	if overdue > 0 {
		fmt.Fprintf(&b, "Overdue: %s\n", formatQuantityUnits(overdue))
	}
	if forecasted > 0 {
		fmt.Fprintf(&b, "Forecasted: %s\n", formatQuantityUnits(forecasted))
	}
	fmt.Fprintf(&b, "Total: %s\n", formatQuantityUnits(total))

	if total > 0 {
		b.WriteString("\nPercentage Breakdown:\n")
		if firm > 0 {
			fmt.Fprintf(&b, "- Firm Orders: %.1f%% of total\n", firm/total*100)
		}
		if overdue > 0 {
			fmt.Fprintf(&b, "- Overdue: %.1f%% of total\n", overdue/total*100)
		}
		if forecasted > 0 {
			fmt.Fprintf(&b, "- Forecasted: %.1f%% of total\n", forecasted/total*100)
		}
		if firm > 0 && forecasted > 0 {
			fmt.Fprintf(&b, "- Forecasted is %.2fx Firm Order quantity\n", forecasted/firm)
		}
	}

	lower := strings.ToLower(question)
	if forecasted > 0 && containsAny(lower, "projected", "forecast", "next", "future") {
		b.WriteString("\nFor projected/forecasted demand analysis:\n")
		if total > 0 {
			fmt.Fprintf(&b, "- Forecasted demand represents %.1f%% of total demand\n", forecasted/total*100)
		}
		fmt.Fprintf(&b, "- Forecasted quantity: %s\n", formatQuantityUnits(forecasted))
		if firm > 0 {
			fmt.Fprintf(&b, "- Forecasted is %.1fx the Firm Order quantity\n", forecasted/firm)
		}
		b.WriteString("- This represents expected future demand based on current patterns\n")
	}
	if overdue > 0 && containsAny(lower, "overdue", "late") {
		b.WriteString("\nFor overdue analysis:\n")
		if total > 0 {
			fmt.Fprintf(&b, "- Overdue orders represent %.1f%% of total demand\n", overdue/total*100)
		}
		fmt.Fprintf(&b, "- Overdue quantity: %s\n", formatQuantityUnits(overdue))
		b.WriteString("- This indicates orders that are past their due date and need attention\n")
	}

	return b.String()
}

func histogramContext(periods []ChartPeriod) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Data contains %d time periods with the following breakdown:\n", len(periods))

	categoryTotals := map[string]float64{}
	var periodTotals []float64
	for _, period := range periods {
		var lines []string
		var periodTotal float64
		for _, entry := range period.Stack {
			if entry.Quantity <= 0 {
				continue
			}
			lines = append(lines, fmt.Sprintf("  - %s: %s", entry.Name, formatQuantityUnits(entry.Quantity)))
			periodTotal += entry.Quantity
			categoryTotals[entry.Name] += entry.Quantity
		}
		if len(lines) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n%s:\n%s\n  Total: %s\n", monthYear(period.StartDate), strings.Join(lines, "\n"), formatQuantityUnits(periodTotal))
		periodTotals = append(periodTotals, periodTotal)
	}

	if len(periodTotals) > 0 {
		b.WriteString("\nOverall Summary:\n")
		for _, name := range []string{categoryFirmOrder, categoryOverdue, categoryForecasted} {
			if total := categoryTotals[name]; total > 0 {
				fmt.Fprintf(&b, "  - %s: %s\n", name, formatQuantityUnits(total))
			}
		}
		var sum, peak float64
		low := periodTotals[0]
		for _, t := range periodTotals {
			sum += t
			if t > peak {
				peak = t
			}
			if t < low {
				low = t
			}
		}
		fmt.Fprintf(&b, "\n  Average per period: %s\n", formatQuantityUnits(sum/float64(len(periodTotals))))
		fmt.Fprintf(&b, "  Peak period: %s\n", formatQuantityUnits(peak))
		fmt.Fprintf(&b, "  Lowest period: %s\n", formatQuantityUnits(low))
	}

	return b.String()
}

// fallbackNarration is the model-free template answer: extracted value and
// category breakdown only, no business commentary.
func fallbackNarration(metric MetricKind, kind ExtractionKind, payload MetricPayload, extracted ExtractedValue) string {
	if metric == MetricDonut {
		switch kind {
		case ExtractFirmOrder:
			return fmt.Sprintf("Your total firm order demand is %s.", extracted.Formatted)
		case ExtractTotal:
			var parts []string
			for _, entry := range payload.Donut.Stack {
				if entry.Quantity > 0 {
					parts = append(parts, fmt.Sprintf("%s: %s", entry.Name, formatQuantityUnits(entry.Quantity)))
				}
			}
			return fmt.Sprintf("Your total demand across all order types is %s, which includes %s.",
				extracted.Formatted, strings.Join(parts, ", "))
		case ExtractOverdue:
			return fmt.Sprintf("You have %s in overdue orders.", extracted.Formatted)
		default:
			return fmt.Sprintf("The %s value is %s.", kind, extracted.Formatted)
		}
	}

	switch kind {
	case ExtractMonthlyCount:
		return fmt.Sprintf("You have firm orders in %d months.", int(extracted.Quantity))
	case ExtractAverage:
		return fmt.Sprintf("Your average monthly demand is %s.", extracted.Formatted)
	case ExtractHighestMonth:
		if extracted.StartDate != nil {
			return fmt.Sprintf("Your highest demand month is %s with %s.", monthYear(*extracted.StartDate), extracted.Formatted)
		}
		return fmt.Sprintf("Your highest demand month totals %s.", extracted.Formatted)
	default:
		return fmt.Sprintf("The extracted value is %s.", extracted.Formatted)
	}
}

func monthYear(t time.Time) string {
	return t.Format("January 2006")
}

func containsAny(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
