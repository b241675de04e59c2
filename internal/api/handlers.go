package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"strategos/internal/backtest"
	"strategos/internal/domain"
	"strategos/internal/engine"
	"strategos/internal/metrics"
	"strategos/internal/risk"
	"strategos/internal/store"
	"strategos/internal/strategy"
)

// maxBodyBytes bounds request bodies; bar arrays can be large.
const maxBodyBytes = 32 << 20

var validate = validator.New()

// RegisterRoutes registers all REST routes on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)

	mux.HandleFunc("POST /api/strategies/compile", s.handleCompile)
	mux.HandleFunc("POST /api/strategies", s.handleRegisterStrategy)
	mux.HandleFunc("GET /api/strategies", s.handleListStrategies)
	mux.HandleFunc("GET /api/strategies/{id}", s.handleGetStrategy)

	mux.HandleFunc("POST /api/backtests", s.handleRunBacktest)
	mux.HandleFunc("POST /api/backtests/batch", s.handleRunBatch)
	mux.HandleFunc("POST /api/backtests/compare", s.handleCompare)
	mux.HandleFunc("GET /api/backtests", s.handleListBacktests)
	mux.HandleFunc("GET /api/backtests/{id}", s.handleGetBacktest)
	mux.HandleFunc("DELETE /api/backtests/{id}", s.handleDeleteBacktest)
	mux.HandleFunc("GET /api/backtests/{id}/analysis", s.handleAnalyze)
	mux.HandleFunc("POST /api/backtests/{id}/export", s.handleExport)

	mux.HandleFunc("GET /api/risk/exchanges", s.handleExchanges)
	mux.HandleFunc("POST /api/risk/margin", s.handleMargin)
	mux.HandleFunc("POST /api/risk/liquidation", s.handleLiquidation)
	mux.HandleFunc("POST /api/risk/leverage", s.handleLeverage)
	mux.HandleFunc("POST /api/risk/account", s.handleAccount)
}

// ---------------------------------------------------------------------------
// Request types
// ---------------------------------------------------------------------------

// CompileRequest is an editor graph with its metadata.
type CompileRequest struct {
	Nodes    []strategy.GraphNode `json:"nodes" validate:"required,min=1"`
	Edges    []strategy.Edge      `json:"edges"`
	Metadata strategy.Metadata    `json:"metadata"`
}

// BatchRequest runs several backtests in parallel.
type BatchRequest struct {
	Runs []engine.RunRequest `json:"runs" validate:"required,min=1,max=100"`
}

// BatchResponse holds batch results in request order.
type BatchResponse struct {
	Results []*domain.BacktestResult `json:"results"`
}

// CompareRequest names the results to rank.
type CompareRequest struct {
	IDs []string `json:"ids" validate:"required,min=1,dive,required"`
}

// ExportResponse holds the paths of an exported result.
type ExportResponse struct {
	EquityPath string `json:"equity_path"`
	TradesPath string `json:"trades_path"`
}

// LiquidationRequest asks how close a position is to liquidation.
type LiquidationRequest struct {
	Exchange     string          `json:"exchange" validate:"required"`
	Position     domain.Position `json:"position"`
	CurrentPrice float64         `json:"current_price" validate:"gt=0"`
}

// LeverageRequest validates a leverage choice.
type LeverageRequest struct {
	Exchange   string            `json:"exchange" validate:"required"`
	Symbol     string            `json:"symbol"`
	Leverage   float64           `json:"leverage" validate:"gt=0"`
	MarginType domain.MarginType `json:"margin_type,omitempty"`
}

// AccountRequest reviews a margin account.
type AccountRequest struct {
	UserID    string             `json:"user_id"`
	Exchange  string             `json:"exchange" validate:"required"`
	Balance   float64            `json:"balance" validate:"gte=0"`
	Positions []domain.Position  `json:"positions"`
	Marks     map[string]float64 `json:"marks"`
}

// ExchangeInfo describes a configured exchange profile.
type ExchangeInfo struct {
	Name string `json:"name"`
	risk.ExchangeProfile
}

// ---------------------------------------------------------------------------
// Strategies
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	var req CompileRequest
	if !decode(w, r, &req) {
		return
	}
	strat, err := s.engine.Compile(strategy.Graph{Nodes: req.Nodes, Edges: req.Edges}, req.Metadata)
	if err != nil {
		var errs strategy.CompileErrors
		if errors.As(err, &errs) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "compile failed", "errors": errs})
			return
		}
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, strat)
}

func (s *Server) handleRegisterStrategy(w http.ResponseWriter, r *http.Request) {
	var strat strategy.Strategy
	if !decode(w, r, &strat) {
		return
	}
	if err := s.engine.Register(&strat); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, &strat)
}

func (s *Server) handleListStrategies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"ids": s.engine.Strategies()})
}

func (s *Server) handleGetStrategy(w http.ResponseWriter, r *http.Request) {
	strat, err := s.engine.Strategy(r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, strat)
}

// ---------------------------------------------------------------------------
// Backtests
// ---------------------------------------------------------------------------

func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	var req engine.RunRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.engine.Submit(r.Context(), req)
	if err != nil {
		if errors.Is(err, backtest.ErrSimulation) && res != nil {
			writeJSON(w, http.StatusUnprocessableEntity, res)
			return
		}
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleRunBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !decode(w, r, &req) {
		return
	}
	results, err := s.engine.RunMany(r.Context(), req.Runs)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BatchResponse{Results: results})
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	var req CompareRequest
	if !decode(w, r, &req) {
		return
	}
	cmp, err := s.engine.Compare(r.Context(), req.IDs)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}

func (s *Server) handleListBacktests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(q.Get("offset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var results []*domain.BacktestResult
	if id := q.Get("strategy_id"); id != "" {
		results, err = s.engine.Results(r.Context(), id, store.Page{Limit: limit, Offset: offset})
	} else {
		results, err = s.engine.RecentResults(r.Context(), limit)
	}
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleGetBacktest(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Result(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeleteBacktest(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteResult(r.Context(), r.PathValue("id")); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	benchmark := metrics.DefaultBenchmarkReturn
	if v := r.URL.Query().Get("benchmark"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid benchmark %q", v))
			return
		}
		benchmark = f
	}
	adv, err := s.engine.Analyze(r.Context(), r.PathValue("id"), benchmark)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, adv)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	eq, tr, err := s.engine.Export(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ExportResponse{EquityPath: eq, TradesPath: tr})
}

// ---------------------------------------------------------------------------
// Risk
// ---------------------------------------------------------------------------

func (s *Server) handleExchanges(w http.ResponseWriter, _ *http.Request) {
	re := s.engine.Risk()
	names := re.Exchanges()
	out := make([]ExchangeInfo, 0, len(names))
	for _, name := range names {
		p, err := re.Profile(name)
		if err != nil {
			continue
		}
		out = append(out, ExchangeInfo{Name: name, ExchangeProfile: p})
	}
	writeJSON(w, http.StatusOK, map[string]any{"exchanges": out})
}

func (s *Server) handleMargin(w http.ResponseWriter, r *http.Request) {
	var p risk.MarginParams
	if !decode(w, r, &p) {
		return
	}
	calc, err := s.engine.CalculateMargin(r.Context(), p)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, calc)
}

func (s *Server) handleLiquidation(w http.ResponseWriter, r *http.Request) {
	var req LiquidationRequest
	if !decode(w, r, &req) {
		return
	}
	check, err := s.engine.SimulateLiquidation(r.Context(), req.Exchange, req.Position, req.CurrentPrice)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (s *Server) handleLeverage(w http.ResponseWriter, r *http.Request) {
	var req LeverageRequest
	if !decode(w, r, &req) {
		return
	}
	setting, err := s.engine.SetLeverage(r.Context(), req.Exchange, req.Symbol, req.Leverage, req.MarginType)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, setting)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	var req AccountRequest
	if !decode(w, r, &req) {
		return
	}
	review, err := s.engine.ReviewAccount(r.Context(), req.UserID, req.Exchange, req.Balance, req.Positions, req.Marks)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, review)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// decode reads a JSON body into v and validates it. On failure it writes a
// 400 response and returns false.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
			}
			writeError(w, http.StatusBadRequest, strings.Join(msgs, "; "))
			return false
		}
	}
	return true
}

func queryInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid integer %q", s)
	}
	return n, nil
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, engine.ErrStrategyNotFound),
		errors.Is(err, risk.ErrUnknownExchange):
		return http.StatusNotFound
	case errors.Is(err, risk.ErrInvalidLeverage), errors.Is(err, risk.ErrInvalidInput):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrNoBarStore), errors.Is(err, engine.ErrNoExporter):
		return http.StatusNotImplemented
	case errors.Is(err, store.ErrResultExists):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
