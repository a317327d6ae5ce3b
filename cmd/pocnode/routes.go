package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/blocknet-labs/poc-core/pkg/engine"
	"github.com/blocknet-labs/poc-core/pkg/ledger"
	"github.com/blocknet-labs/poc-core/pkg/poc"
)

func registerRoutes(mux *http.ServeMux, eng *engine.Engine, logger *slog.Logger) {
	s := &server{eng: eng, logger: logger}

	mux.HandleFunc("POST /v1/receipts", s.handleSubmit)
	mux.HandleFunc("GET /v1/accounts/{id}", s.handleAccount)
	mux.HandleFunc("GET /v1/accounts/{id}/proof", s.handleProof)
	mux.HandleFunc("GET /v1/root", s.handleRoot)
	mux.HandleFunc("GET /v1/snapshots/{height}", s.handleSnapshot)
	mux.HandleFunc("GET /healthz", s.handleHealth)
}

type server struct {
	eng    *engine.Engine
	logger *slog.Logger
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	receipt, err := poc.DecodeWire(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	outcome, err := s.eng.SubmitReceipt(r.Context(), receipt)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	status := http.StatusCreated
	if outcome.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, outcome)
}

func (s *server) handleAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := s.eng.GetAccount(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (s *server) handleProof(w http.ResponseWriter, r *http.Request) {
	proof, err := s.eng.GetProof(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, proof)
}

func (s *server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"root": s.eng.Root().String()})
}

func (s *server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	height, err := strconv.ParseUint(r.PathValue("height"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	snap, err := s.eng.GetSnapshot(r.Context(), height)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, poc.ErrMalformedReceipt):
		return http.StatusBadRequest
	case errors.Is(err, poc.ErrQuorumNotMet), errors.Is(err, poc.ErrSignatureInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, engine.ErrStaleStateRoot):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientFunds), errors.Is(err, ledger.ErrEmissionCapExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
