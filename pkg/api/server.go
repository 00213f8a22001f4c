package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperestate/pkg/app/core"
	"github.com/uhyunpark/hyperestate/pkg/app/core/settlement"
	"github.com/uhyunpark/hyperestate/pkg/app/exchange"
	"github.com/uhyunpark/hyperestate/pkg/ledger"
)

const defaultTradeLimit = 50

// TransactionLister reads the per-user transaction journal.
type TransactionLister interface {
	ListByUser(userID string, limit int) ([]ledger.TransactionRecord, error)
}

// Server handles REST API and WebSocket connections
type Server struct {
	app      *exchange.App
	router   *mux.Router
	hub      *Hub
	gatherer prometheus.Gatherer
	journal  TransactionLister
	origins  []string
	logger   *zap.SugaredLogger
}

// NewServer creates a new API server. The hub must be the one the exchange
// publishes to.
func NewServer(app *exchange.App, hub *Hub, gatherer prometheus.Gatherer, allowedOrigins []string, logger *zap.SugaredLogger) *Server {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:3000", "http://localhost:3001"}
	}
	s := &Server{
		app:      app,
		router:   mux.NewRouter(),
		hub:      hub,
		gatherer: gatherer,
		origins:  allowedOrigins,
		logger:   logger,
	}

	s.setupRoutes()
	return s
}

// WithTransactions exposes the transaction journal under /users/{user}/transactions.
func (s *Server) WithTransactions(j TransactionLister) *Server {
	s.journal = j
	return s
}

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Token endpoints
	api.HandleFunc("/tokens", s.handleListTokens).Methods("GET")
	api.HandleFunc("/tokens/{token}", s.handleGetToken).Methods("GET")
	api.HandleFunc("/tokens/{token}/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/tokens/{token}/trades", s.handleGetTrades).Methods("GET")
	api.HandleFunc("/tokens/{token}/stats", s.handleGetStats).Methods("GET")

	// Order endpoints
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{id}/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/trades/{id}", s.handleGetTrade).Methods("GET")

	// User endpoints
	api.HandleFunc("/users/{user}/orders", s.handleGetUserOrders).Methods("GET")
	api.HandleFunc("/users/{user}/holdings", s.handleGetUserHoldings).Methods("GET")
	api.HandleFunc("/users/{user}/transactions", s.handleGetUserTransactions).Methods("GET")

	// Settlement operations
	api.HandleFunc("/settlement/alerts", s.handleListAlerts).Methods("GET")
	api.HandleFunc("/settlement/alerts/{id}/resolve", s.handleResolveAlert).Methods("POST")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
}

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("api_server_starting", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Infow("api_server_stopping")
		return srv.Shutdown(shutdownCtx)
	}
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	tokens := s.app.ListTokens()
	response := make([]TokenInfo, len(tokens))
	for i := range tokens {
		response[i] = TokenInfo{Token: tokens[i], ReferencePrice: tokens[i].ReferencePrice()}
	}
	respondJSON(w, response)
}

func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	t, err := s.app.GetToken(mux.Vars(r)["token"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, TokenInfo{Token: t, ReferencePrice: t.ReferencePrice()})
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	tokenID := mux.Vars(r)["token"]
	depth, err := queryInt(r, "depth", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid depth", err.Error())
		return
	}

	snap, err := s.app.GetOrderBook(r.Context(), tokenID, depth)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	response := OrderbookResponse{
		TokenID:   tokenID,
		Bids:      nonNil(snap.Bids),
		Asks:      nonNil(snap.Asks),
		Timestamp: time.Now().UnixMilli(),
	}
	respondJSON(w, response)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultTradeLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid limit", err.Error())
		return
	}
	trades, err := s.app.GetTradeHistory(mux.Vars(r)["token"], limit)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if trades == nil {
		trades = []core.Trade{}
	}
	respondJSON(w, trades)
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.app.GetMarketStats(mux.Vars(r)["token"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, stats)
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req exchange.SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	res, err := s.app.SubmitOrder(r.Context(), req)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(res)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.app.GetOrder(mux.Vars(r)["id"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, o)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, "missing userId", "")
		return
	}

	o, err := s.app.CancelOrder(r.Context(), req.UserID, mux.Vars(r)["id"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, o)
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	t, err := s.app.GetTrade(mux.Vars(r)["id"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, t)
}

func (s *Server) handleGetUserOrders(w http.ResponseWriter, r *http.Request) {
	var status *core.OrderStatus
	if v := r.URL.Query().Get("status"); v != "" {
		st, err := core.ParseOrderStatus(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid status", err.Error())
			return
		}
		status = &st
	}
	orders := s.app.GetUserOrders(mux.Vars(r)["user"], status)
	if orders == nil {
		orders = []core.Order{}
	}
	respondJSON(w, orders)
}

func (s *Server) handleGetUserHoldings(w http.ResponseWriter, r *http.Request) {
	hs, err := s.app.GetUserHoldings(mux.Vars(r)["user"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, nonNil(hs))
}

func (s *Server) handleGetUserTransactions(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		respondError(w, http.StatusNotFound, "transaction journal not configured", "")
		return
	}
	limit, err := queryInt(r, "limit", defaultTradeLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid limit", err.Error())
		return
	}
	recs, err := s.journal.ListByUser(mux.Vars(r)["user"], limit)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, nonNil(recs))
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	openOnly := r.URL.Query().Get("open") == "true"
	respondJSON(w, s.app.ListAlerts(openOnly))
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	var req ResolveAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	a, err := s.app.ResolveAlert(mux.Vars(r)["id"], req.Note)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, a)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, HealthResponse{
		Status:    "ok",
		Tokens:    len(s.app.ListTokens()),
		WSClients: s.hub.ClientCount(),
	})
}

// ==============================
// Helper Functions
// ==============================

// statusFor maps exchange errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrUnknownToken),
		errors.Is(err, core.ErrOrderNotFound),
		errors.Is(err, core.ErrTradeNotFound),
		errors.Is(err, settlement.ErrAlertNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrNotOrderOwner):
		return http.StatusForbidden
	case errors.Is(err, core.ErrOrderNotCancellable):
		return http.StatusConflict
	case errors.Is(err, core.ErrInsufficientHolding),
		errors.Is(err, core.ErrTokenNotTradable):
		return http.StatusUnprocessableEntity
	case core.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrEngineClosed),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Errorw("api_request_failed", "status", status, "error", err)
	}
	respondError(w, status, http.StatusText(status), err.Error())
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
