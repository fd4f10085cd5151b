package main

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// The ask-history store is an audit surface owned by the process, not the
// pipeline: runs stay stateless, answered questions get recorded after the
// fact for operability and the Slack /history command.

func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS ask_history (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		question        TEXT NOT NULL,
		answer          TEXT NOT NULL,
		endpoint        TEXT NOT NULL,
		chart_kind      TEXT DEFAULT '',
		confidence      REAL NOT NULL,
		quantity        REAL DEFAULT 0,
		formatted_value TEXT DEFAULT '',
		intent_status   TEXT DEFAULT '',
		fetch_status    TEXT DEFAULT '',
		response_status TEXT DEFAULT '',
		duration_ms     INTEGER DEFAULT 0,
		created_at      DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_ask_history_created_at ON ask_history(created_at);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}
	return db, nil
}

type AskRecord struct {
	ID             int64
	Question       string
	Answer         string
	Endpoint       string
	ChartKind      string
	Confidence     float64
	Quantity       float64
	FormattedValue string
	IntentStatus   string
	FetchStatus    string
	ResponseStatus string
	DurationMS     int64
	CreatedAt      time.Time
}

func askRecordFromResult(result PipelineResult, elapsed time.Duration) AskRecord {
	return AskRecord{
		Question:       result.Question,
		Answer:         result.Answer,
		Endpoint:       result.Endpoint,
		ChartKind:      result.VisualizationType,
		Confidence:     result.Confidence,
		Quantity:       result.ExtractedData.Quantity,
		FormattedValue: result.ExtractedData.Formatted,
		IntentStatus:   result.ProcessingSteps.IntentClassification,
		FetchStatus:    result.ProcessingSteps.GraphQLQuery,
		ResponseStatus: result.ProcessingSteps.ResponseGeneration,
		DurationMS:     elapsed.Milliseconds(),
	}
}

func InsertAskRecord(db *sql.DB, rec AskRecord) error {
	_, err := db.Exec(
		`INSERT INTO ask_history (question, answer, endpoint, chart_kind, confidence, quantity, formatted_value, intent_status, fetch_status, response_status, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Question, rec.Answer, rec.Endpoint, rec.ChartKind, rec.Confidence, rec.Quantity,
		rec.FormattedValue, rec.IntentStatus, rec.FetchStatus, rec.ResponseStatus, rec.DurationMS,
	)
	return err
}

func RecentAskRecords(db *sql.DB, limit int) ([]AskRecord, error) {
	rows, err := db.Query(
		`SELECT id, question, answer, endpoint, chart_kind, confidence, quantity, formatted_value, intent_status, fetch_status, response_status, duration_ms, created_at
		 FROM ask_history ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []AskRecord
	for rows.Next() {
		var rec AskRecord
		if err := rows.Scan(&rec.ID, &rec.Question, &rec.Answer, &rec.Endpoint, &rec.ChartKind,
			&rec.Confidence, &rec.Quantity, &rec.FormattedValue, &rec.IntentStatus,
			&rec.FetchStatus, &rec.ResponseStatus, &rec.DurationMS, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
