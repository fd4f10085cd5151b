package main

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := InitDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInitDBIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	db, err := InitDB(path)
	if err != nil {
		t.Fatalf("first InitDB failed: %v", err)
	}
	db.Close()
	db, err = InitDB(path)
	if err != nil {
		t.Fatalf("second InitDB failed: %v", err)
	}
	db.Close()
}

func TestAskRecordRoundTrip(t *testing.T) {
	db := newTestDB(t)

	rec := AskRecord{
		Question:       "What is my total demand?",
		Answer:         "Your total demand is 7,313 units.",
		Endpoint:       endpointDonut,
		ChartKind:      "donut",
		Confidence:     0.95,
		Quantity:       7313,
		FormattedValue: "7,313 units",
		IntentStatus:   stepSuccess,
		FetchStatus:    stepSuccess,
		ResponseStatus: stepSuccess,
		DurationMS:     1234,
	}
	if err := InsertAskRecord(db, rec); err != nil {
		t.Fatalf("InsertAskRecord failed: %v", err)
	}

	records, err := RecentAskRecords(db, 10)
	if err != nil {
		t.Fatalf("RecentAskRecords failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	got := records[0]
	if got.Question != rec.Question || got.Answer != rec.Answer || got.Endpoint != rec.Endpoint {
		t.Fatalf("record mismatch: %+v", got)
	}
	if got.Quantity != 7313 || got.FormattedValue != "7,313 units" {
		t.Fatalf("extracted fields mismatch: %+v", got)
	}
	if got.DurationMS != 1234 {
		t.Fatalf("duration = %d, want 1234", got.DurationMS)
	}
	if got.CreatedAt.IsZero() {
		t.Fatal("created_at should be populated")
	}
}

func TestRecentAskRecordsOrderAndLimit(t *testing.T) {
	db := newTestDB(t)

	for i, q := range []string{"first", "second", "third"} {
		if err := InsertAskRecord(db, AskRecord{
			Question: q, Answer: "a", Endpoint: endpointDonut,
			Confidence: 0.7, DurationMS: int64(i),
		}); err != nil {
			t.Fatalf("insert %q failed: %v", q, err)
		}
	}

	records, err := RecentAskRecords(db, 2)
	if err != nil {
		t.Fatalf("RecentAskRecords failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].Question != "third" || records[1].Question != "second" {
		t.Fatalf("records out of order: %q, %q", records[0].Question, records[1].Question)
	}
}

func TestAskRecordFromResult(t *testing.T) {
	result := PipelineResult{
		Question:          "How many firm orders?",
		Answer:            "You have 4,848 firm orders.",
		Endpoint:          endpointDonut,
		VisualizationType: "donut",
		Confidence:        0.9,
		ExtractedData:     ExtractedValue{Quantity: 4848, Formatted: "4,848 units"},
		ProcessingSteps:   ProcessingSteps{IntentClassification: stepSuccess, GraphQLQuery: stepSuccess, ResponseGeneration: stepSuccess},
	}
	rec := askRecordFromResult(result, 1500*time.Millisecond)
	if rec.Question != result.Question || rec.ChartKind != "donut" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Quantity != 4848 || rec.DurationMS != 1500 {
		t.Fatalf("unexpected numeric fields: %+v", rec)
	}
	if rec.FetchStatus != stepSuccess {
		t.Fatalf("unexpected fetch status: %s", rec.FetchStatus)
	}
}
