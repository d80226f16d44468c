package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/malbeclabs/tabula/pkg/agent"
)

type AskRequest struct {
	Question string `json:"question"`
	Intent   string `json:"intent,omitempty"`
	Table    string `json:"table,omitempty"`
}

type ErrorBody struct {
	Kind       agent.ErrorKind `json:"kind"`
	Diagnostic string          `json:"diagnostic"`
}

type AskResponse struct {
	*agent.Outcome
	Error *ErrorBody `json:"error,omitempty"`
}

type TablesResponse struct {
	Tables []agent.TableMetadata `json:"tables"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	areq := agent.Request{
		Question: strings.TrimSpace(req.Question),
		Table:    strings.TrimSpace(req.Table),
		TurnID:   middleware.GetReqID(r.Context()),
	}
	if req.Intent != "" {
		intent, ok := agent.ParseIntent(req.Intent)
		if !ok {
			http.Error(w, "Intent must be summarize or query", http.StatusBadRequest)
			return
		}
		areq.Intent = intent
	}
	if areq.Question == "" && areq.Table == "" {
		http.Error(w, "Question is required", http.StatusBadRequest)
		return
	}
	if areq.Table != "" && areq.Intent == "" {
		areq.Intent = agent.IntentSummarize
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	out, err := s.cfg.Asker.Run(ctx, areq)
	resp := AskResponse{Outcome: out}
	status := http.StatusOK
	if err != nil {
		var f *agent.Failure
		if !errors.As(err, &f) {
			s.log.Error("api: ask failed", "error", err)
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
		resp.Error = &ErrorBody{Kind: f.Kind, Diagnostic: f.Diagnostic}
		status = failureStatus(f.Kind)
	}

	writeJSON(w, status, resp)
}

func failureStatus(kind agent.ErrorKind) int {
	switch kind {
	case agent.KindNoRelevantData, agent.KindQueryGenerationExhausted:
		return http.StatusUnprocessableEntity
	case agent.KindExternalService:
		return http.StatusBadGateway
	case agent.KindCanceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleListTables(w http.ResponseWriter, r *http.Request) {
	tables, err := s.cfg.Catalog.List(r.Context())
	if err != nil {
		s.log.Error("api: list tables", "error", err)
		http.Error(w, "Failed to list tables", http.StatusInternalServerError)
		return
	}
	if tables == nil {
		tables = []agent.TableMetadata{}
	}
	writeJSON(w, http.StatusOK, TablesResponse{Tables: tables})
}

func (s *Server) handleGetTable(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	table, err := s.cfg.Catalog.Get(r.Context(), id)
	if errors.Is(err, agent.ErrUnknownTable) {
		http.Error(w, "Table not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("api: get table", "table", id, "error", err)
		http.Error(w, "Failed to get table", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, table)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
