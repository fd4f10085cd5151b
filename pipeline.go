package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
)

const stageRequest = "request"
const stageIntentClassification = "intent_classification"

const conversationalAck = "You're welcome! Let me know if you have any other questions about your demand data."

// AskRequest is the caller-facing request. Conversation history is supplied
// by the caller; the pipeline itself keeps no state between requests.
type AskRequest struct {
	Question            string `json:"question"`
	ConversationHistory string `json:"conversation_history,omitempty"`
	IsFollowup          bool   `json:"is_followup,omitempty"`
}

// Pipeline chains classifier, fetcher, and synthesizer. Each run holds its
// own intermediate values; concurrent runs share only the injected handles.
type Pipeline struct {
	classifier  *Classifier
	fetcher     *Fetcher
	synthesizer *Synthesizer
}

func NewPipeline(classifier *Classifier, fetcher *Fetcher, synthesizer *Synthesizer) *Pipeline {
	return &Pipeline{classifier: classifier, fetcher: fetcher, synthesizer: synthesizer}
}

// Run walks a question through classification, data fetch, and synthesis.
// A stage failure aborts the chain with a StageError naming the stage;
// degraded classification or narration does not.
func (p *Pipeline) Run(ctx context.Context, req AskRequest) (PipelineResult, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return PipelineResult{}, callerInputErr(stageRequest, fmt.Errorf("missing question"))
	}

	runID := uuid.NewString()[:8]
	log.Printf("pipeline run=%s question=%q", runID, preview(question))

	intent := p.classifier.Classify(ctx, question)
	log.Printf("pipeline run=%s stage=%s metric=%s extraction=%s confidence=%.2f",
		runID, stageIntentClassification, intent.Metric, intent.Extraction, intent.Confidence)

	// Conversational questions end here: no data fetch, no second model
	// call, a fixed acknowledgment back to the caller.
	if intent.Metric == MetricConversational {
		return PipelineResult{
			Question:          question,
			Answer:            conversationalAck,
			VisualizationType: MetricConversational.ChartKind(),
			Endpoint:          MetricConversational.String(),
			ExtractedData:     ExtractedValue{Formatted: ""},
			Confidence:        intent.Confidence,
			ProcessingSteps: ProcessingSteps{
				IntentClassification: stepSuccess,
				GraphQLQuery:         stepSkipped,
				ResponseGeneration:   stepSkipped,
			},
		}, nil
	}

	payload, err := p.fetcher.Fetch(ctx, intent.Metric, intent.DateRange)
	if err != nil {
		return PipelineResult{}, err
	}
	log.Printf("pipeline run=%s stage=%s metric=%s payload=%s", runID, stageGraphQLQuery, intent.Metric, preview(payloadPreview(payload)))

	synth, err := p.synthesizer.Synthesize(ctx, SynthesisRequest{
		Question:            question,
		Intent:              intent,
		Payload:             payload,
		Alternatives:        map[MetricKind]MetricPayload{intent.Metric: payload},
		ConversationHistory: req.ConversationHistory,
		IsFollowup:          req.IsFollowup,
	})
	if err != nil {
		return PipelineResult{}, err
	}
	log.Printf("pipeline run=%s stage=%s chart=%s answer=%q", runID, stageResponseGeneration, synth.Decision.ChartKind, preview(synth.Answer))

	return PipelineResult{
		Question:          question,
		Answer:            synth.Answer,
		ChartData:         synth.Decision.Payload.ChartData(),
		VisualizationType: synth.Decision.ChartKind,
		Endpoint:          synth.Decision.Metric.String(),
		ExtractedData:     synth.Extracted,
		Confidence:        intent.Confidence,
		ProcessingSteps: ProcessingSteps{
			IntentClassification: stepSuccess,
			GraphQLQuery:         stepSuccess,
			ResponseGeneration:   stepSuccess,
		},
	}, nil
}

func preview(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}

func payloadPreview(p MetricPayload) string {
	data, err := json.Marshal(p.ChartData())
	if err != nil {
		return "<unmarshalable>"
	}
	return string(data)
}
