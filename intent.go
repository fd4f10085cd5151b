package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"
)

// fallbackConfidence is reported whenever the keyword classifier stands in
// for the model. It is strictly below a nominal model confidence so
// downstream consumers can see the classification was degraded.
const fallbackConfidence = 0.7

const intentMaxTokens = 200
const intentTemperature = 0.2

// Classifier maps a free-text question to a structured Intent. The model is
// the primary path; a deterministic keyword table takes over whenever the
// model call fails or its reply does not parse.
type Classifier struct {
	llm CompletionClient
}

func NewClassifier(llm CompletionClient) *Classifier {
	return &Classifier{llm: llm}
}

const intentSystemPrompt = `You are an AI assistant for manufacturing demand software.
Your job is to determine which data endpoint to call based on the user's question AND extract any date ranges mentioned.

CRITICAL: If the user is just saying thank you, goodbye, or acknowledging (not asking for data), respond with:
{"endpoint": "conversational", "extraction_type": "none", "date_range": {"from": null, "until": null}, "confidence": 1.0}

Available endpoints:
1. demandByFulfillmentDonut - Use when user asks about TOTAL or AGGREGATE demand, revenue, or specific order types (firm orders, overdue, forecasted)
2. demandByFulfillmentHistogram - Use when user asks about MONTHLY breakdown, trends over time, or specific months
3. conversational - Use when user is just saying thank you, goodbye, or acknowledging (not asking for data)

IMPORTANT: Extract date ranges from the user's question. If the user mentions specific dates (e.g., "Dec 2025 to May 2026", "from December 25 to May 26"), extract them.

Respond with ONLY a JSON object in this exact format:
{
    "endpoint": "demandByFulfillmentDonut" or "demandByFulfillmentHistogram" or "conversational",
    "extraction_type": "firm_order" or "total" or "overdue" or "forecasted" or "monthly_count" or "average" or "highest_month" or "none",
    "date_range": {
        "from": "YYYY-MM-DDTHH:MM:SSZ" or null,
        "until": "YYYY-MM-DDTHH:MM:SSZ" or null
    },
    "confidence": 0.0 to 1.0
}

For date extraction:
- If user says "Dec 2025" or "December 2025", use "2025-12-01T00:00:00Z"
- If user says "May 2026", use "2026-05-01T00:00:00Z"
- If user says "Dec 25 to May 26", interpret as "December 2025 to May 2026"
- If no dates mentioned, set both to null
- Always use ISO 8601 format with Z timezone

Examples:
User: "What is the revenue from my total firm orders?"
Response: {"endpoint": "demandByFulfillmentDonut", "extraction_type": "firm_order", "date_range": {"from": null, "until": null}, "confidence": 0.95}

User: "How many months do I have firm demand?"
Response: {"endpoint": "demandByFulfillmentHistogram", "extraction_type": "monthly_count", "date_range": {"from": null, "until": null}, "confidence": 0.90}

User: "What is my total demand?"
Response: {"endpoint": "demandByFulfillmentDonut", "extraction_type": "total", "date_range": {"from": null, "until": null}, "confidence": 0.95}

User: "What is projected demand from Dec 25 to May 26?"
Response: {"endpoint": "demandByFulfillmentHistogram", "extraction_type": "total", "date_range": {"from": "2025-12-01T00:00:00Z", "until": "2026-05-31T23:59:59Z"}, "confidence": 0.95}

User: "Show me demand from January 2025 to June 2025"
Response: {"endpoint": "demandByFulfillmentHistogram", "extraction_type": "total", "date_range": {"from": "2025-01-01T00:00:00Z", "until": "2025-06-30T23:59:59Z"}, "confidence": 0.95}

User: "Thank you for the information"
Response: {"endpoint": "conversational", "extraction_type": "none", "date_range": {"from": null, "until": null}, "confidence": 1.0}`

// Classify never fails: any error on the model path degrades to the keyword
// fallback rather than aborting the pipeline.
func (c *Classifier) Classify(ctx context.Context, question string) Intent {
	reply, err := c.llm.Complete(ctx, CompletionRequest{
		System:      intentSystemPrompt,
		User:        question,
		Temperature: intentTemperature,
		MaxTokens:   intentMaxTokens,
	})
	if err != nil {
		log.Printf("intent model call failed, using keyword fallback: %v", err)
		return fallbackClassify(question)
	}

	intent, err := parseIntentReply(reply)
	if err != nil {
		log.Printf("intent reply unusable, using keyword fallback: %v", err)
		return fallbackClassify(question)
	}
	return intent
}

type intentReply struct {
	Endpoint       string `json:"endpoint"`
	ExtractionType string `json:"extraction_type"`
	DateRange      struct {
		From  *string `json:"from"`
		Until *string `json:"until"`
	} `json:"date_range"`
	Confidence float64 `json:"confidence"`
}

func parseIntentReply(text string) (Intent, error) {
	var reply intentReply
	if err := json.Unmarshal([]byte(stripCodeFence(text)), &reply); err != nil {
		return Intent{}, fmt.Errorf("parsing intent reply: %w", err)
	}

	metric, err := ParseMetricKind(reply.Endpoint)
	if err != nil {
		return Intent{}, err
	}
	extraction, err := ParseExtractionKind(reply.ExtractionType)
	if err != nil {
		return Intent{}, err
	}

	// Conversational is a terminal classification and never carries an
	// extraction; a data metric always needs one.
	if metric == MetricConversational {
		extraction = ExtractNone
	} else if extraction == ExtractNone {
		return Intent{}, fmt.Errorf("metric %s requires an extraction type", metric)
	}

	var dateRange *DateRange
	if reply.DateRange.From != nil && reply.DateRange.Until != nil {
		from, err := time.Parse(time.RFC3339, *reply.DateRange.From)
		if err != nil {
			return Intent{}, fmt.Errorf("parsing date_range.from: %w", err)
		}
		until, err := time.Parse(time.RFC3339, *reply.DateRange.Until)
		if err != nil {
			return Intent{}, fmt.Errorf("parsing date_range.until: %w", err)
		}
		dateRange = &DateRange{From: from.UTC(), Until: until.UTC()}
		if !dateRange.Valid() {
			return Intent{}, fmt.Errorf("date range from %s is after until %s", from, until)
		}
	}

	if reply.Confidence < 0 || reply.Confidence > 1 {
		return Intent{}, fmt.Errorf("confidence %f out of range", reply.Confidence)
	}

	return Intent{
		Metric:     metric,
		Extraction: extraction,
		DateRange:  dateRange,
		Confidence: reply.Confidence,
	}, nil
}

// Time-based keywords are checked before anything else; any hit routes to
// the histogram regardless of other words in the question.
var monthlyKeywords = []string{"month", "monthly", "months", "average", "trend"}

func fallbackClassify(question string) Intent {
	lower := strings.ToLower(question)

	for _, word := range monthlyKeywords {
		if strings.Contains(lower, word) {
			return Intent{
				Metric:     MetricHistogram,
				Extraction: ExtractMonthlyCount,
				Confidence: fallbackConfidence,
			}
		}
	}

	extraction := ExtractTotal
	switch {
	case strings.Contains(lower, "firm order") || strings.Contains(lower, "firm demand"):
		extraction = ExtractFirmOrder
	case strings.Contains(lower, "overdue"):
		extraction = ExtractOverdue
	case strings.Contains(lower, "forecast"):
		extraction = ExtractForecasted
	}

	return Intent{
		Metric:     MetricDonut,
		Extraction: extraction,
		Confidence: fallbackConfidence,
	}
}
