package main

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// Server is the HTTP caller surface: POST /ask runs the pipeline and
// returns the composed result, mirroring the browser frontend's contract.
type Server struct {
	pipeline *Pipeline
	db       *sql.DB
}

func NewServer(pipeline *Pipeline, db *sql.DB) *Server {
	return &Server{pipeline: pipeline, db: db}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ask", s.handleAsk)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

type errorResponse struct {
	Error    string `json:"error"`
	Message  string `json:"message"`
	Question string `json:"question,omitempty"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	writeCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed", Message: "Use POST"})
		return
	}

	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body", Message: "Please provide a JSON body with a 'question' field"})
		return
	}

	started := time.Now()
	result, err := s.pipeline.Run(r.Context(), req)
	if err != nil {
		log.Printf("ask failed question=%q err=%v", preview(req.Question), err)
		status := http.StatusInternalServerError
		if stageErr, ok := AsStageError(err); ok {
			switch stageErr.Kind {
			case FailCallerInput:
				status = http.StatusBadRequest
			case FailConnectivity:
				status = http.StatusBadGateway
			}
		}
		writeJSON(w, status, errorResponse{
			Error:    err.Error(),
			Message:  "Error processing request",
			Question: req.Question,
		})
		return
	}

	if s.db != nil {
		if err := InsertAskRecord(s.db, askRecordFromResult(result, time.Since(started))); err != nil {
			log.Printf("ask history insert failed: %v", err)
		}
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("encoding response: %v", err)
	}
}
