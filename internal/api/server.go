// Package api exposes the relayer's admin and follower-facing HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.com/moltrade/relayer/internal/dedup"
	"github.com/moltrade/relayer/internal/log"
	"github.com/moltrade/relayer/internal/metrics"
	"github.com/moltrade/relayer/internal/relaypool"
	"github.com/moltrade/relayer/internal/tradedb"
)

const settlementTokenHeader = "X-Settlement-Token"

// RelayManager is the relay pool surface the admin routes drive.
type RelayManager interface {
	ConnectAndSubscribe(url string) error
	DisconnectRelay(url string) error
	ConnectionStatuses() []relaypool.Status
	ActiveConnections() int
}

// DedupStats reports the deduplication tier sizes for the status endpoint.
type DedupStats interface {
	GetStats(ctx context.Context) dedup.Stats
}

// TradeAPI is the database surface the REST routes use.
type TradeAPI interface {
	RegisterBot(ctx context.Context, botPubkey, nostrPubkey, ethAddress, name string) error
	AddSubscription(ctx context.Context, botPubkey, followerPubkey, followerKey string) error
	ListSubscriptions(ctx context.Context, botPubkey string) ([]tradedb.SubscriptionRow, error)
	RecordTradeTx(ctx context.Context, t tradedb.TradeInsert) error
	UpdateTradeSettlement(ctx context.Context, txHash, oid *string, status string, pnl, pnlUSD *float64) error
	ListCredits(ctx context.Context, botPubkey, followerPubkey string) ([]tradedb.CreditBalance, error)
}

// Server serves the admin API, the Prometheus scrape endpoint and the
// follower WebSocket.
type Server struct {
	log   log.Logger
	pool  RelayManager
	dedup DedupStats
	// store is nil when no database is configured; the trade routes then
	// answer 503.
	store           TradeAPI
	ws              http.HandlerFunc
	settlementToken string
	started         time.Time
}

func NewServer(l log.Logger, pool RelayManager, dedupStats DedupStats, store TradeAPI,
	ws http.HandlerFunc, settlementToken string) *Server {
	return &Server{
		log:             l,
		pool:            pool,
		dedup:           dedupStats,
		store:           store,
		ws:              ws,
		settlementToken: settlementToken,
		started:         time.Now(),
	}
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/status", s.handleStatus)
	if s.ws != nil {
		r.Get("/ws", s.ws)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/metrics/summary", s.handleMetricsSummary)
		r.Get("/metrics/memory", s.handleMetricsMemory)

		r.Get("/relays", s.handleListRelays)
		r.Post("/relays/add", s.handleAddRelay)
		r.Delete("/relays/remove", s.handleRemoveRelay)

		r.Post("/bots/register", s.handleRegisterBot)
		r.Post("/subscriptions", s.handleAddSubscription)
		r.Get("/subscriptions/{bot}", s.handleListSubscriptions)
		r.Post("/trades/record", s.handleRecordTrade)
		r.Post("/trades/settlement", s.handleSettlement)
		r.Get("/credits", s.handleListCredits)
	})

	return r
}

// ListenAndServe runs the server until the context is cancelled, then shuts
// it down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Infow("", "api", "listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"uptime_secs":        int64(time.Since(s.started).Seconds()),
		"active_connections": s.pool.ActiveConnections(),
		"relays":             s.pool.ConnectionStatuses(),
		"metrics":            metrics.Summary(),
	}
	if s.dedup != nil {
		status["deduplication"] = s.dedup.GetStats(r.Context())
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleMetricsSummary(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, metrics.Summary())
}

func (s *Server) handleMetricsMemory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]float64{"memory_mb": metrics.MemoryUsageMB()})
}

func (s *Server) handleListRelays(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.ConnectionStatuses())
}

type relayRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleAddRelay(w http.ResponseWriter, r *http.Request) {
	var req relayRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	if err := s.pool.ConnectAndSubscribe(req.URL); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "connecting", "url": req.URL})
}

func (s *Server) handleRemoveRelay(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		var req relayRequest
		if !decodeBody(w, r, &req) {
			return
		}
		url = req.URL
	}
	if url == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	if err := s.pool.DisconnectRelay(url); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected", "url": url})
}

type registerBotRequest struct {
	BotPubkey   string `json:"bot_pubkey"`
	NostrPubkey string `json:"nostr_pubkey"`
	EthAddress  string `json:"eth_address"`
	Name        string `json:"name"`
}

func (s *Server) handleRegisterBot(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	var req registerBotRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.BotPubkey == "" || req.EthAddress == "" {
		writeError(w, http.StatusBadRequest, "bot_pubkey and eth_address are required")
		return
	}
	if req.NostrPubkey == "" {
		req.NostrPubkey = req.BotPubkey
	}
	if req.Name == "" {
		req.Name = req.EthAddress
	}
	if err := s.store.RegisterBot(r.Context(), req.BotPubkey, req.NostrPubkey, req.EthAddress, req.Name); err != nil {
		s.log.Errorw("", "api", "bot registration failed", "err", err)
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered"})
}

type subscriptionRequest struct {
	BotPubkey      string `json:"bot_pubkey"`
	FollowerPubkey string `json:"follower_pubkey"`
	SharedSecret   string `json:"shared_secret"`
}

func (s *Server) handleAddSubscription(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	var req subscriptionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.BotPubkey == "" || req.FollowerPubkey == "" || req.SharedSecret == "" {
		writeError(w, http.StatusBadRequest, "bot_pubkey, follower_pubkey and shared_secret are required")
		return
	}
	if err := s.store.AddSubscription(r.Context(), req.BotPubkey, req.FollowerPubkey, req.SharedSecret); err != nil {
		s.log.Errorw("", "api", "adding subscription failed", "err", err)
		writeError(w, http.StatusInternalServerError, "subscription failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "subscribed"})
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	bot := chi.URLParam(r, "bot")
	subs, err := s.store.ListSubscriptions(r.Context(), bot)
	if err != nil {
		s.log.Errorw("", "api", "listing subscriptions failed", "err", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if subs == nil {
		subs = []tradedb.SubscriptionRow{}
	}
	writeJSON(w, http.StatusOK, subs)
}

type recordTradeRequest struct {
	BotPubkey      string  `json:"bot_pubkey"`
	FollowerPubkey *string `json:"follower_pubkey"`
	Role           string  `json:"role"`
	Symbol         string  `json:"symbol"`
	Side           string  `json:"side"`
	Size           float64 `json:"size"`
	Price          float64 `json:"price"`
	TxHash         *string `json:"tx_hash"`
	Oid            *string `json:"oid"`
	IsTest         bool    `json:"is_test"`
}

func (s *Server) handleRecordTrade(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	var req recordTradeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.BotPubkey == "" || req.Symbol == "" || req.Side == "" {
		writeError(w, http.StatusBadRequest, "bot_pubkey, symbol and side are required")
		return
	}
	if req.TxHash == nil && req.Oid == nil {
		writeError(w, http.StatusBadRequest, "one of tx_hash and oid is required")
		return
	}
	if req.Role != "leader" && req.Role != "follower" {
		req.Role = "leader"
	}

	t := tradedb.TradeInsert{
		BotPubkey:      req.BotPubkey,
		FollowerPubkey: req.FollowerPubkey,
		Role:           req.Role,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Size:           req.Size,
		Price:          req.Price,
		TxHash:         req.TxHash,
		Oid:            req.Oid,
		IsTest:         req.IsTest,
	}
	if err := s.store.RecordTradeTx(r.Context(), t); err != nil {
		s.log.Errorw("", "api", "recording trade failed", "err", err)
		writeError(w, http.StatusInternalServerError, "record failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

type settlementRequest struct {
	TxHash *string  `json:"tx_hash"`
	Oid    *string  `json:"oid"`
	Status string   `json:"status"`
	Pnl    *float64 `json:"pnl"`
	PnlUSD *float64 `json:"pnl_usd"`
}

func (s *Server) handleSettlement(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	if s.settlementToken != "" && r.Header.Get(settlementTokenHeader) != s.settlementToken {
		writeError(w, http.StatusUnauthorized, "invalid settlement token")
		return
	}
	var req settlementRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TxHash == nil && req.Oid == nil {
		writeError(w, http.StatusBadRequest, "one of tx_hash and oid is required")
		return
	}
	if req.Status == "" {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}
	if err := s.store.UpdateTradeSettlement(r.Context(), req.TxHash, req.Oid, req.Status, req.Pnl, req.PnlUSD); err != nil {
		s.log.Errorw("", "api", "manual settlement failed", "err", err)
		writeError(w, http.StatusInternalServerError, "settlement failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleListCredits(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	credits, err := s.store.ListCredits(r.Context(), r.URL.Query().Get("bot"), r.URL.Query().Get("follower"))
	if err != nil {
		s.log.Errorw("", "api", "listing credits failed", "err", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if credits == nil {
		credits = []tradedb.CreditBalance{}
	}
	writeJSON(w, http.StatusOK, credits)
}

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "no database configured")
		return false
	}
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
