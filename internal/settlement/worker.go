// Package settlement confirms pending trades against the chain explorer and
// awards copy-trading credits.
package settlement

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/moltrade/relayer/internal/config"
	"github.com/moltrade/relayer/internal/log"
	"github.com/moltrade/relayer/internal/tradedb"
)

const (
	StatusConfirmed = "confirmed"
	StatusPending   = "pending"
	StatusFailed    = "failed"

	verifyTimeout = 15 * time.Second
)

// Store is the database surface the worker settles against.
type Store interface {
	ListPendingTrades(ctx context.Context, limit int) ([]tradedb.PendingTrade, error)
	UpdateTradeSettlement(ctx context.Context, txHash, oid *string, status string, pnl, pnlUSD *float64) error
	AwardCredits(ctx context.Context, botPubkey, followerPubkey string, delta float64) error
}

// Worker polls pending trade executions, verifies the ones that carry a tx
// hash against the explorer, and credits confirmed trades.
type Worker struct {
	log   log.Logger
	clock clockwork.Clock
	store Store

	client       *http.Client
	explorerBase string
	poll         time.Duration
	batchLimit   int
	credit       *config.CreditConfig
}

func New(l log.Logger, clock clockwork.Clock, store Store, cfg *config.SettlementConfig) *Worker {
	return &Worker{
		log:          l,
		clock:        clock,
		store:        store,
		client:       &http.Client{Timeout: verifyTimeout},
		explorerBase: cfg.ExplorerBase,
		poll:         time.Duration(cfg.PollSecs) * time.Second,
		batchLimit:   cfg.BatchLimit,
		credit:       cfg.Credit,
	}
}

// Run polls until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.log.Infow("", "settlement", "worker started",
		"poll", w.poll.String(), "explorer", w.explorerBase)

	ticker := w.clock.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Infow("", "settlement", "worker stopped")
			return
		case <-ticker.Chan():
			w.Tick(ctx)
		}
	}
}

// Tick settles one batch of pending trades.
func (w *Worker) Tick(ctx context.Context) {
	trades, err := w.store.ListPendingTrades(ctx, w.batchLimit)
	if err != nil {
		w.log.Errorw("", "settlement", "listing pending trades failed", "err", err)
		return
	}

	for _, t := range trades {
		w.settle(ctx, t)
	}
}

func (w *Worker) settle(ctx context.Context, t tradedb.PendingTrade) {
	status := StatusConfirmed
	if t.TxHash != nil {
		status = w.verifyTx(ctx, *t.TxHash)
		if status == StatusPending {
			// Not indexed yet; retry next tick.
			return
		}
	}

	if err := w.store.UpdateTradeSettlement(ctx, t.TxHash, t.Oid, status, nil, t.PnlUSD); err != nil {
		w.log.Errorw("", "settlement", "updating trade failed", "err", err)
		return
	}
	if status != StatusConfirmed {
		return
	}

	if w.credit == nil || !w.credit.Enable {
		return
	}
	amount := w.computeCredit(t)
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
		w.log.Warnw("", "settlement", "skipping degenerate credit",
			"bot", t.BotPubkey, "credits", amount)
		return
	}
	recipient := t.BotPubkey
	if t.FollowerPubkey != nil && *t.FollowerPubkey != "" {
		recipient = *t.FollowerPubkey
	}
	if err := w.store.AwardCredits(ctx, t.BotPubkey, recipient, amount); err != nil {
		w.log.Errorw("", "settlement", "awarding credits failed",
			"bot", t.BotPubkey, "recipient", recipient, "err", err)
		return
	}
	w.log.Infow("", "settlement", "trade settled",
		"bot", t.BotPubkey, "recipient", recipient, "credits", amount, "test", t.IsTest)
}

// verifyTx classifies a tx hash by explorer response: 200 confirms it, 404
// means the explorer has not seen it, anything else fails it.
func (w *Worker) verifyTx(ctx context.Context, txHash string) string {
	url := fmt.Sprintf("%s/%s", w.explorerBase, txHash)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		w.log.Errorw("", "settlement", "building verify request failed", "tx", txHash, "err", err)
		return StatusPending
	}

	resp, err := w.client.Do(req)
	if err != nil {
		w.log.Warnw("", "settlement", "explorer unreachable", "tx", txHash, "err", err)
		return StatusPending
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return StatusConfirmed
	case resp.StatusCode == http.StatusNotFound:
		return StatusPending
	default:
		w.log.Warnw("", "settlement", "explorer rejected tx",
			"tx", txHash, "status", resp.StatusCode)
		return StatusFailed
	}
}

// computeCredit applies the rate for the trade's role to its notional value,
// clamped below by the minimum credit, with multipliers for profitable and
// simulated trades.
func (w *Worker) computeCredit(t tradedb.PendingTrade) float64 {
	rate := w.credit.LeaderRate
	if t.Role == "follower" {
		rate = w.credit.FollowerRate
	}

	amount := t.Size * t.Price * rate
	if amount < w.credit.MinCredit {
		amount = w.credit.MinCredit
	}
	if t.PnlUSD != nil && *t.PnlUSD > 0 {
		amount *= w.credit.ProfitMultiplier
	}
	if t.IsTest {
		amount *= w.credit.TestMultiplier
	}
	return amount
}
