// Package router classifies, enriches and batches the deduplicated event
// stream before it is handed to the downstream consumers.
package router

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nbd-wtf/go-nostr"

	"github.com/moltrade/relayer/internal/log"
	"github.com/moltrade/relayer/internal/metrics"
	"github.com/moltrade/relayer/internal/push"
	"github.com/moltrade/relayer/internal/tradedb"
)

const (
	// stalenessWindow drops events whose created_at is too far in the past
	// to be actionable as trading signals.
	stalenessWindow = 10 * time.Minute

	// heartbeatWindow throttles per-sender heartbeats.
	heartbeatWindow = 15 * time.Minute

	downstreamBuffer = 1024
)

// Deduplicator answers whether an event id was already forwarded and records
// the ones that are.
type Deduplicator interface {
	IsDuplicate(ctx context.Context, id string) bool
	RecordForwarded(ctx context.Context, id string) error
}

// TradeStore is the database surface the router enriches events against. All
// store calls are best effort: a database error never blocks forwarding.
type TradeStore interface {
	RegisterBot(ctx context.Context, botPubkey, nostrPubkey, ethAddress, name string) error
	FindBotByEth(ctx context.Context, ethAddress string) (*tradedb.BotRecord, error)
	UpdateBotLastSeen(ctx context.Context, botPubkey string) error
	ListSubscriptions(ctx context.Context, botPubkey string) ([]tradedb.SubscriptionRow, error)
	RecordTradeTx(ctx context.Context, t tradedb.TradeInsert) error
	UpdateTradeSettlement(ctx context.Context, txHash, oid *string, status string, pnl, pnlUSD *float64) error
	RecordSignal(ctx context.Context, sig tradedb.SignalInsert) error
}

// Cipher opens payloads encrypted to the platform key.
type Cipher interface {
	PublicKey() string
	Decrypt(senderPub, ciphertext string) (string, error)
}

// FanoutPublisher re-encrypts a decrypted signal to a follower and publishes
// the copy upstream.
type FanoutPublisher interface {
	PublishEncrypted(ctx context.Context, kind int, recipientPub, plaintext string) error
}

// Router consumes the relay pool's fan-in channel, applies the dedup,
// staleness and throttle gates, performs the per-kind side effects, and
// flushes ordered batches downstream.
type Router struct {
	log   log.Logger
	clock clockwork.Clock

	input <-chan *nostr.Event
	dedup Deduplicator

	// All three are optional; the router degrades to a pure forwarder.
	store  TradeStore
	cipher Cipher
	pub    FanoutPublisher

	sink *push.Sink

	batchSize  int
	maxLatency time.Duration

	pending []*nostr.Event

	hbMu          sync.Mutex
	lastHeartbeat map[string]time.Time

	downstream chan *nostr.Event
}

// New builds a router. store, cipher and pub may be nil when no database or
// platform keys are configured.
func New(l log.Logger, clock clockwork.Clock, input <-chan *nostr.Event, dedup Deduplicator,
	store TradeStore, cipher Cipher, pub FanoutPublisher, sink *push.Sink,
	batchSize int, maxLatency time.Duration) *Router {
	if batchSize <= 0 {
		batchSize = 100
	}
	if maxLatency <= 0 {
		maxLatency = 100 * time.Millisecond
	}
	return &Router{
		log:           l,
		clock:         clock,
		input:         input,
		dedup:         dedup,
		store:         store,
		cipher:        cipher,
		pub:           pub,
		sink:          sink,
		batchSize:     batchSize,
		maxLatency:    maxLatency,
		lastHeartbeat: make(map[string]time.Time),
		downstream:    make(chan *nostr.Event, downstreamBuffer),
	}
}

// Downstream is the ordered, deduplicated output stream. It is closed after
// the final flush on shutdown.
func (r *Router) Downstream() <-chan *nostr.Event {
	return r.downstream
}

// Run processes events until the context is cancelled or the input channel
// closes, then flushes whatever is pending and closes the downstream channel.
func (r *Router) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.maxLatency)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return
		case ev, ok := <-r.input:
			if !ok {
				r.shutdown()
				return
			}
			r.ingest(ctx, ev)
			if len(r.pending) >= r.batchSize {
				r.flush(ctx)
			}
		case <-ticker.Chan():
			if len(r.pending) > 0 {
				r.flush(ctx)
			}
		}
	}
}

// shutdown drains the pending batch to downstream without touching the
// database, then closes the channel.
func (r *Router) shutdown() {
	r.sortPending()
	for _, ev := range r.pending {
		select {
		case r.downstream <- ev:
		default:
			r.log.Warnw("", "router", "downstream full during shutdown, dropping", "id", ev.ID)
		}
	}
	r.pending = nil
	close(r.downstream)
}

func (r *Router) ingest(ctx context.Context, ev *nostr.Event) {
	if ev == nil {
		return
	}

	if r.dedup != nil && r.dedup.IsDuplicate(ctx, ev.ID) {
		metrics.DuplicatesFiltered.Inc()
		return
	}

	r.pending = append(r.pending, ev)
	metrics.EventsInQueue.Set(float64(len(r.pending)))
}

// throttleHeartbeat reports whether the sender's liveness write should be
// skipped, and stamps the window when it should not.
func (r *Router) throttleHeartbeat(pubkey string) bool {
	r.hbMu.Lock()
	defer r.hbMu.Unlock()
	now := r.clock.Now()
	if last, ok := r.lastHeartbeat[pubkey]; ok && now.Sub(last) < heartbeatWindow {
		return true
	}
	r.lastHeartbeat[pubkey] = now
	return false
}

// flush drains the sorted pending buffer one event at a time: the staleness
// gate first, then the per-kind side effects, then the downstream send and
// the dedup record.
func (r *Router) flush(ctx context.Context) {
	r.sortPending()
	for _, ev := range r.pending {
		start := r.clock.Now()

		if age := start.Sub(ev.CreatedAt.Time()); age > stalenessWindow {
			r.log.Debugw("", "router", "dropping stale event", "id", ev.ID, "age", age.String())
			continue
		}

		r.classify(ctx, ev)

		select {
		case r.downstream <- ev:
		default:
			r.log.Warnw("", "router", "downstream full, dropping", "id", ev.ID)
		}
		if r.dedup != nil {
			if err := r.dedup.RecordForwarded(ctx, ev.ID); err != nil {
				r.log.Warnw("", "router", "recording forwarded event failed", "id", ev.ID, "err", err)
			}
		}
		metrics.EventsProcessed.Inc()
		metrics.ProcessingLatency.Observe(r.clock.Now().Sub(start).Seconds())
	}
	r.pending = r.pending[:0]
	metrics.EventsInQueue.Set(0)
}

func (r *Router) sortPending() {
	sort.SliceStable(r.pending, func(i, j int) bool {
		return r.pending[i].CreatedAt < r.pending[j].CreatedAt
	})
}

// classify performs the per-kind side effects. Failures are logged and never
// prevent the event from being forwarded.
func (r *Router) classify(ctx context.Context, ev *nostr.Event) {
	switch ev.Kind {
	case KindAgentRegister:
		r.handleRegister(ctx, ev)
	case KindHeartbeat:
		r.handleHeartbeat(ctx, ev)
	case KindTradeSignal, KindCopyTradeIntent, KindExecutionReport:
		r.handleEncrypted(ctx, ev)
	}
}

func (r *Router) handleRegister(ctx context.Context, ev *nostr.Event) {
	if r.store == nil {
		return
	}
	meta, ok := extractRegisterMeta(ev.Content)
	if !ok {
		r.log.Debugw("", "router", "register event without eth address", "id", ev.ID)
		return
	}
	botPubkey := meta.BotPubkey
	if botPubkey == "" {
		botPubkey = ev.PubKey
	}
	nostrPubkey := meta.NostrPubkey
	if nostrPubkey == "" {
		nostrPubkey = ev.PubKey
	}
	if err := r.store.RegisterBot(ctx, botPubkey, nostrPubkey, meta.EthAddress, meta.Name); err != nil {
		r.log.Warnw("", "router", "registering bot failed", "pubkey", botPubkey, "err", err)
		return
	}
	r.log.Infow("", "router", "bot registered", "pubkey", botPubkey, "eth", meta.EthAddress)
}

// handleHeartbeat stamps liveness for the sending pubkey. The throttle gates
// only the database write; the event itself is still forwarded.
func (r *Router) handleHeartbeat(ctx context.Context, ev *nostr.Event) {
	if r.store == nil || r.throttleHeartbeat(ev.PubKey) {
		return
	}
	if err := r.store.UpdateBotLastSeen(ctx, ev.PubKey); err != nil {
		r.log.Warnw("", "router", "updating last seen failed", "pubkey", ev.PubKey, "err", err)
	}
}

// handleEncrypted decrypts a signal addressed to the platform, records it,
// and fans the plaintext out to the bot's followers.
func (r *Router) handleEncrypted(ctx context.Context, ev *nostr.Event) {
	if r.cipher == nil {
		return
	}

	if ev.PubKey == r.cipher.PublicKey() {
		// Our own fanout copies come back from the relays; forward them
		// untouched.
		return
	}

	plaintext, err := r.cipher.Decrypt(ev.PubKey, ev.Content)
	if err != nil {
		// Not for us; forward the raw event regardless.
		r.log.Debugw("", "router", "payload not decryptable", "id", ev.ID, "kind", ev.Kind)
		return
	}

	meta, ok := extractMeta(plaintext)
	if !ok {
		r.log.Debugw("", "router", "decrypted payload is not json", "id", ev.ID)
		return
	}

	var bot *tradedb.BotRecord
	if r.store != nil && meta.EthAddress != "" {
		bot, err = r.store.FindBotByEth(ctx, meta.EthAddress)
		if err != nil {
			r.log.Warnw("", "router", "bot lookup failed", "eth", meta.EthAddress, "err", err)
		}
	}

	if r.store != nil && ev.Kind == KindTradeSignal {
		r.recordSignal(ctx, ev, bot, meta, plaintext)
	}

	if bot == nil {
		return
	}

	if err := r.store.UpdateBotLastSeen(ctx, bot.BotPubkey); err != nil {
		r.log.Warnw("", "router", "updating last seen failed", "pubkey", bot.BotPubkey, "err", err)
	}

	r.recordTrade(ctx, ev, bot, meta)

	r.fanout(ctx, ev, bot, plaintext)
}

func (r *Router) recordSignal(ctx context.Context, ev *nostr.Event, bot *tradedb.BotRecord, meta signalMeta, plaintext string) {
	sig := tradedb.SignalInsert{
		EventID:         ev.ID,
		Kind:            ev.Kind,
		LeaderPubkey:    ev.PubKey,
		FollowerPubkey:  strPtr(meta.Follower),
		AgentEthAddress: strPtr(meta.EthAddress),
		Role:            strPtr(meta.Role),
		Symbol:          strPtr(meta.Symbol),
		Side:            strPtr(meta.Side),
		Size:            meta.Size,
		Price:           meta.Price,
		Status:          strPtr(meta.Status),
		TxHash:          strPtr(meta.TxHash),
		Pnl:             meta.Pnl,
		PnlUSD:          meta.PnlUSD,
		RawContent:      plaintext,
		EventCreatedAt:  ev.CreatedAt.Time(),
	}
	if bot != nil {
		sig.BotPubkey = &bot.BotPubkey
	}
	if err := r.store.RecordSignal(ctx, sig); err != nil {
		r.log.Warnw("", "router", "recording signal failed", "id", ev.ID, "err", err)
	}
}

// recordTrade inserts a pending trade execution. Payloads that carry neither
// a tx hash nor an order id still get a row, keyed by the event id, so the
// settlement worker can credit them.
func (r *Router) recordTrade(ctx context.Context, ev *nostr.Event, bot *tradedb.BotRecord, meta signalMeta) {
	if meta.Symbol == "" || meta.Side == "" || meta.Size == nil || meta.Price == nil {
		return
	}

	role := "leader"
	if meta.Follower != "" {
		role = "follower"
	}
	if meta.Role == "leader" || meta.Role == "follower" {
		role = meta.Role
	}

	oid := strPtr(meta.Oid)
	txHash := strPtr(meta.TxHash)
	if txHash == nil && oid == nil {
		oid = &ev.ID
	}

	t := tradedb.TradeInsert{
		BotPubkey:      bot.BotPubkey,
		FollowerPubkey: strPtr(meta.Follower),
		Role:           role,
		Symbol:         meta.Symbol,
		Side:           meta.Side,
		Size:           *meta.Size,
		Price:          *meta.Price,
		TxHash:         txHash,
		Oid:            oid,
		IsTest:         meta.IsTest,
	}
	if err := r.store.RecordTradeTx(ctx, t); err != nil {
		r.log.Warnw("", "router", "recording trade failed", "id", ev.ID, "err", err)
		return
	}

	// Execution reports may carry settlement fields alongside the insert.
	if meta.Status != "" || meta.Pnl != nil || meta.PnlUSD != nil {
		status := meta.Status
		if status == "" {
			status = "pending"
		}
		if err := r.store.UpdateTradeSettlement(ctx, txHash, oid, status, meta.Pnl, meta.PnlUSD); err != nil {
			r.log.Warnw("", "router", "updating trade settlement failed", "id", ev.ID, "err", err)
		}
	}
}

// fanout pushes the plaintext to locally connected followers and re-encrypts
// a copy to each follower key on the upstream bus.
func (r *Router) fanout(ctx context.Context, ev *nostr.Event, bot *tradedb.BotRecord, plaintext string) {
	subs, err := r.store.ListSubscriptions(ctx, bot.BotPubkey)
	if err != nil {
		r.log.Warnw("", "router", "listing subscriptions failed", "pubkey", bot.BotPubkey, "err", err)
		return
	}

	for _, sub := range subs {
		if r.sink != nil {
			r.sink.Push(push.FanoutMessage{
				TargetPubkey:    sub.FollowerPubkey,
				BotPubkey:       bot.BotPubkey,
				Kind:            ev.Kind,
				OriginalEventID: ev.ID,
				Payload:         plaintext,
			})
		}
		if r.pub != nil {
			if err := r.pub.PublishEncrypted(ctx, ev.Kind, sub.FollowerKey, plaintext); err != nil {
				r.log.Warnw("", "router", "fanout publish failed",
					"follower", sub.FollowerPubkey, "id", ev.ID, "err", err)
			}
		}
	}
}
