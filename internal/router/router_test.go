package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/moltrade/relayer/internal/push"
	"github.com/moltrade/relayer/internal/testlogger"
	"github.com/moltrade/relayer/internal/tradedb"
)

type stubDedup struct {
	seen     map[string]bool
	recorded []string
}

func newStubDedup() *stubDedup {
	return &stubDedup{seen: make(map[string]bool)}
}

func (d *stubDedup) IsDuplicate(_ context.Context, id string) bool {
	return d.seen[id]
}

func (d *stubDedup) RecordForwarded(_ context.Context, id string) error {
	d.seen[id] = true
	d.recorded = append(d.recorded, id)
	return nil
}

type settlementUpdate struct {
	txHash *string
	oid    *string
	status string
	pnlUSD *float64
}

type stubStore struct {
	botsByEth map[string]*tradedb.BotRecord
	subs      map[string][]tradedb.SubscriptionRow

	registered  []tradedb.BotRecord
	lastSeen    []string
	signals     []tradedb.SignalInsert
	trades      []tradedb.TradeInsert
	settlements []settlementUpdate
}

func newStubStore() *stubStore {
	return &stubStore{
		botsByEth: make(map[string]*tradedb.BotRecord),
		subs:      make(map[string][]tradedb.SubscriptionRow),
	}
}

func (s *stubStore) RegisterBot(_ context.Context, botPubkey, nostrPubkey, ethAddress, name string) error {
	rec := tradedb.BotRecord{
		BotPubkey:   botPubkey,
		NostrPubkey: nostrPubkey,
		EthAddress:  ethAddress,
		Name:        name,
	}
	s.registered = append(s.registered, rec)
	s.botsByEth[ethAddress] = &rec
	return nil
}

func (s *stubStore) FindBotByEth(_ context.Context, ethAddress string) (*tradedb.BotRecord, error) {
	return s.botsByEth[ethAddress], nil
}

func (s *stubStore) UpdateBotLastSeen(_ context.Context, botPubkey string) error {
	s.lastSeen = append(s.lastSeen, botPubkey)
	return nil
}

func (s *stubStore) ListSubscriptions(_ context.Context, botPubkey string) ([]tradedb.SubscriptionRow, error) {
	return s.subs[botPubkey], nil
}

func (s *stubStore) RecordTradeTx(_ context.Context, t tradedb.TradeInsert) error {
	s.trades = append(s.trades, t)
	return nil
}

func (s *stubStore) UpdateTradeSettlement(_ context.Context, txHash, oid *string, status string, _, pnlUSD *float64) error {
	s.settlements = append(s.settlements, settlementUpdate{txHash, oid, status, pnlUSD})
	return nil
}

func (s *stubStore) RecordSignal(_ context.Context, sig tradedb.SignalInsert) error {
	s.signals = append(s.signals, sig)
	return nil
}

// stubCipher decrypts by lookup: ciphertexts it does not know fail.
type stubCipher struct {
	pub      string
	payloads map[string]string
}

func (c *stubCipher) PublicKey() string { return c.pub }

func (c *stubCipher) Decrypt(_, ciphertext string) (string, error) {
	plain, ok := c.payloads[ciphertext]
	if !ok {
		return "", fmt.Errorf("unknown ciphertext")
	}
	return plain, nil
}

type publishedCopy struct {
	kind      int
	recipient string
	plaintext string
}

type stubPublisher struct {
	published []publishedCopy
}

func (p *stubPublisher) PublishEncrypted(_ context.Context, kind int, recipientPub, plaintext string) error {
	p.published = append(p.published, publishedCopy{kind, recipientPub, plaintext})
	return nil
}

const platformPub = "f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0"

func testEventID(i int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("router-event-%d", i)))
	return hex.EncodeToString(sum[:])
}

func testEvent(i, kind int, pubkey string, at time.Time, content string) *nostr.Event {
	return &nostr.Event{
		ID:        testEventID(i),
		PubKey:    pubkey,
		Kind:      kind,
		CreatedAt: nostr.Timestamp(at.Unix()),
		Content:   content,
	}
}

type fixture struct {
	router *Router
	clock  clockwork.FakeClock
	dedup  *stubDedup
	store  *stubStore
	cipher *stubCipher
	pub    *stubPublisher
	sink   *push.Sink
	input  chan *nostr.Event
}

func newFixture(t *testing.T, batchSize int) *fixture {
	t.Helper()
	l := testlogger.New(t)
	clock := clockwork.NewFakeClock()
	input := make(chan *nostr.Event, 64)
	dd := newStubDedup()
	store := newStubStore()
	cipher := &stubCipher{pub: platformPub, payloads: make(map[string]string)}
	pub := &stubPublisher{}
	sink := push.NewSink(l, 64)

	r := New(l, clock, input, dd, store, cipher, pub, sink, batchSize, 100*time.Millisecond)
	return &fixture{
		router: r, clock: clock, dedup: dd, store: store,
		cipher: cipher, pub: pub, sink: sink, input: input,
	}
}

// process pushes the events through ingest and a single flush.
func (f *fixture) process(ctx context.Context, evs ...*nostr.Event) {
	for _, ev := range evs {
		f.router.ingest(ctx, ev)
	}
	f.router.flush(ctx)
}

func (f *fixture) drainDownstream(n int) []string {
	var got []string
	for i := 0; i < n; i++ {
		ev := <-f.router.Downstream()
		got = append(got, ev.ID)
	}
	return got
}

func TestRouterFlushOrdersByCreatedAt(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	now := f.clock.Now()

	f.process(ctx,
		testEvent(2, KindHeartbeat, "bot-b", now.Add(-2*time.Minute), "{}"),
		testEvent(1, KindHeartbeat, "bot-a", now.Add(-5*time.Minute), "{}"),
		testEvent(3, KindHeartbeat, "bot-c", now.Add(-1*time.Minute), "{}"),
	)
	require.Empty(t, f.router.pending)

	got := f.drainDownstream(3)
	require.Equal(t, []string{testEventID(1), testEventID(2), testEventID(3)}, got)
	require.Equal(t, got, f.dedup.recorded)
}

func TestRouterSideEffectsRunInTimestampOrder(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	now := f.clock.Now()

	// Heartbeats arrive newest first; liveness updates must still follow
	// created_at order.
	f.process(ctx,
		testEvent(2, KindHeartbeat, "bot-b", now.Add(-time.Minute), "{}"),
		testEvent(1, KindHeartbeat, "bot-a", now.Add(-2*time.Minute), "{}"),
	)

	require.Equal(t, []string{"bot-a", "bot-b"}, f.store.lastSeen)
}

func TestRouterDropsDuplicates(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	now := f.clock.Now()

	ev := testEvent(1, KindTradeSignal, "bot-a", now, "cipher")
	f.dedup.seen[ev.ID] = true

	f.router.ingest(ctx, ev)
	require.Empty(t, f.router.pending)
}

func TestRouterDropsStaleEvents(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	now := f.clock.Now()

	f.process(ctx,
		testEvent(1, KindHeartbeat, "bot-a", now.Add(-11*time.Minute), "{}"),
		// Just inside the window is kept.
		testEvent(2, KindHeartbeat, "bot-b", now.Add(-9*time.Minute), "{}"),
	)

	// Only the fresh event is forwarded, recorded and stamps liveness.
	require.Equal(t, []string{testEventID(2)}, f.drainDownstream(1))
	require.Equal(t, []string{testEventID(2)}, f.dedup.recorded)
	require.Equal(t, []string{"bot-b"}, f.store.lastSeen)
}

func TestRouterForwardsOwnEventsWithoutFanout(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	f.process(ctx, testEvent(1, KindTradeSignal, platformPub, f.clock.Now(), "cipher"))

	// The echo is forwarded downstream but never decrypted or fanned out.
	require.Equal(t, []string{testEventID(1)}, f.drainDownstream(1))
	require.Empty(t, f.store.signals)
	require.Empty(t, f.pub.published)
}

func TestRouterThrottlesHeartbeatWrites(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	f.process(ctx,
		testEvent(1, KindHeartbeat, "bot-a", f.clock.Now(), "{}"),
		testEvent(2, KindHeartbeat, "bot-a", f.clock.Now(), "{}"),
		testEvent(3, KindHeartbeat, "bot-b", f.clock.Now(), "{}"),
	)

	// Both of bot-a's heartbeats are forwarded; only one stamps the table.
	require.Len(t, f.drainDownstream(3), 3)
	require.Equal(t, []string{"bot-a", "bot-b"}, f.store.lastSeen)

	// After the window the sender may stamp again.
	f.clock.Advance(16 * time.Minute)
	f.process(ctx, testEvent(4, KindHeartbeat, "bot-a", f.clock.Now(), "{}"))
	require.Equal(t, []string{"bot-a", "bot-b", "bot-a"}, f.store.lastSeen)
}

func TestRouterRegistersAgents(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	content := `{"agent":"0xabc","name":"alpha bot"}`
	f.process(ctx, testEvent(1, KindAgentRegister, "bot-a", f.clock.Now(), content))

	require.Len(t, f.store.registered, 1)
	bot := f.store.botsByEth["0xabc"]
	require.NotNil(t, bot)
	require.Equal(t, "bot-a", bot.BotPubkey)
	require.Equal(t, "alpha bot", bot.Name)

	// Registration without an eth address is forwarded but not stored.
	f.process(ctx, testEvent(2, KindAgentRegister, "bot-b", f.clock.Now(), `{"name":"x"}`))
	require.Len(t, f.store.registered, 1)
}

func TestRouterRegisterPrefersPayloadKeys(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	content := `{"bot_pubkey":"B","nostr_pubkey":"N","eth_address":"0xA","name":"x"}`
	f.process(ctx, testEvent(1, KindAgentRegister, "event-sender-pub", f.clock.Now(), content))

	bot := f.store.botsByEth["0xA"]
	require.NotNil(t, bot)
	require.Equal(t, "B", bot.BotPubkey)
	require.Equal(t, "N", bot.NostrPubkey)

	// Without explicit keys the sender pubkey is used, and the name
	// defaults to "agent".
	f.process(ctx, testEvent(2, KindAgentRegister, "bot-c", f.clock.Now(), `{"eth_address":"0xC"}`))
	bot = f.store.botsByEth["0xC"]
	require.NotNil(t, bot)
	require.Equal(t, "bot-c", bot.BotPubkey)
	require.Equal(t, "agent", bot.Name)
}

func TestRouterRecordsDecryptedSignals(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	f.store.botsByEth["0xabc"] = &tradedb.BotRecord{BotPubkey: "bot-a", EthAddress: "0xabc"}
	f.cipher.payloads["cipher-1"] = `{"agent_eth_address":"0xabc","symbol":"ETH","side":"buy","size":2,"price":3000,"tx_hash":"0xdead"}`

	f.process(ctx, testEvent(1, KindTradeSignal, "leader-pub", f.clock.Now(), "cipher-1"))

	require.Len(t, f.store.signals, 1)
	sig := f.store.signals[0]
	require.Equal(t, testEventID(1), sig.EventID)
	require.Equal(t, KindTradeSignal, sig.Kind)
	require.Equal(t, "leader-pub", sig.LeaderPubkey)
	require.Equal(t, "bot-a", *sig.BotPubkey)
	require.Equal(t, "ETH", *sig.Symbol)

	require.Len(t, f.store.trades, 1)
	trade := f.store.trades[0]
	require.Equal(t, "leader", trade.Role)
	require.Equal(t, "0xdead", *trade.TxHash)
	require.Nil(t, trade.Oid)
	require.False(t, trade.IsTest)

	require.Equal(t, []string{"bot-a"}, f.store.lastSeen)
}

func TestRouterSignalRowsOnlyForTradeSignals(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	f.store.botsByEth["0xabc"] = &tradedb.BotRecord{BotPubkey: "bot-a", EthAddress: "0xabc"}
	payload := `{"agent":"0xabc","symbol":"ETH","side":"buy","size":1,"price":1}`
	f.cipher.payloads["c1"] = payload
	f.cipher.payloads["c2"] = payload
	f.cipher.payloads["c3"] = payload

	f.process(ctx,
		testEvent(1, KindTradeSignal, "leader-pub", f.clock.Now(), "c1"),
		testEvent(2, KindCopyTradeIntent, "leader-pub", f.clock.Now(), "c2"),
		testEvent(3, KindExecutionReport, "leader-pub", f.clock.Now(), "c3"),
	)

	require.Len(t, f.store.signals, 1)
	require.Equal(t, testEventID(1), f.store.signals[0].EventID)
	// All three encrypted kinds record trades.
	require.Len(t, f.store.trades, 3)
}

func TestRouterExecutionReportUpdatesSettlement(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	f.store.botsByEth["0xabc"] = &tradedb.BotRecord{BotPubkey: "bot-a", EthAddress: "0xabc"}
	f.cipher.payloads["c1"] = `{"agent":"0xabc","symbol":"ETH","side":"sell","size":1,"price":2000,"tx_hash":"0xdead","status":"confirmed","pnl_usd":12.5}`

	f.process(ctx, testEvent(1, KindExecutionReport, "leader-pub", f.clock.Now(), "c1"))

	require.Len(t, f.store.trades, 1)
	require.Len(t, f.store.settlements, 1)
	upd := f.store.settlements[0]
	require.Equal(t, "0xdead", *upd.txHash)
	require.Equal(t, "confirmed", upd.status)
	require.Equal(t, 12.5, *upd.pnlUSD)
}

func TestRouterPlainInsertSkipsSettlementUpdate(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	f.store.botsByEth["0xabc"] = &tradedb.BotRecord{BotPubkey: "bot-a", EthAddress: "0xabc"}
	f.cipher.payloads["c1"] = `{"agent":"0xabc","symbol":"ETH","side":"buy","size":1,"price":1,"tx_hash":"0xdead"}`

	f.process(ctx, testEvent(1, KindTradeSignal, "leader-pub", f.clock.Now(), "c1"))

	require.Len(t, f.store.trades, 1)
	require.Empty(t, f.store.settlements)
}

func TestRouterTradeWithoutTxKeysOnEventID(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	f.store.botsByEth["0xabc"] = &tradedb.BotRecord{BotPubkey: "bot-a", EthAddress: "0xabc"}
	f.cipher.payloads["cipher-1"] = `{"agent":"0xabc","symbol":"BTC","side":"sell","size":0.5,"price":60000}`

	f.process(ctx, testEvent(7, KindTradeSignal, "leader-pub", f.clock.Now(), "cipher-1"))

	require.Len(t, f.store.trades, 1)
	trade := f.store.trades[0]
	require.Nil(t, trade.TxHash)
	require.NotNil(t, trade.Oid)
	require.Equal(t, testEventID(7), *trade.Oid)
}

func TestRouterMarksSimulatedTrades(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	f.store.botsByEth["0xabc"] = &tradedb.BotRecord{BotPubkey: "bot-a", EthAddress: "0xabc"}
	f.cipher.payloads["c1"] = `{"agent":"0xabc","symbol":"ETH","side":"buy","size":1,"price":1,"status":"simulated"}`
	f.cipher.payloads["c2"] = `{"agent":"0xabc","symbol":"ETH","side":"buy","size":1,"price":1,"test_mode":true}`

	f.process(ctx,
		testEvent(1, KindTradeSignal, "leader-pub", f.clock.Now(), "c1"),
		testEvent(2, KindTradeSignal, "leader-pub", f.clock.Now(), "c2"),
	)

	require.Len(t, f.store.trades, 2)
	require.True(t, f.store.trades[0].IsTest)
	require.True(t, f.store.trades[1].IsTest)
}

func TestRouterFansOutToFollowers(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	f.store.botsByEth["0xabc"] = &tradedb.BotRecord{BotPubkey: "bot-a", EthAddress: "0xabc"}
	f.store.subs["bot-a"] = []tradedb.SubscriptionRow{
		{FollowerPubkey: "follower-1", FollowerKey: "fkey-1"},
		{FollowerPubkey: "follower-2", FollowerKey: "fkey-2"},
	}
	plaintext := `{"agent":"0xabc","symbol":"ETH","side":"buy","size":2,"price":3000}`
	f.cipher.payloads["cipher-1"] = plaintext

	f.process(ctx, testEvent(1, KindCopyTradeIntent, "leader-pub", f.clock.Now(), "cipher-1"))

	require.Len(t, f.pub.published, 2)
	require.Equal(t, publishedCopy{KindCopyTradeIntent, "fkey-1", plaintext}, f.pub.published[0])
	require.Equal(t, publishedCopy{KindCopyTradeIntent, "fkey-2", plaintext}, f.pub.published[1])

	for _, want := range []string{"follower-1", "follower-2"} {
		msg := <-f.sink.Messages()
		require.Equal(t, want, msg.TargetPubkey)
		require.Equal(t, "bot-a", msg.BotPubkey)
		require.Equal(t, plaintext, msg.Payload)
		require.Equal(t, testEventID(1), msg.OriginalEventID)
	}
}

func TestRouterUndecryptableStillForwarded(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	f.process(ctx, testEvent(1, KindTradeSignal, "stranger", f.clock.Now(), "garbage"))

	require.Empty(t, f.store.signals)
	require.Empty(t, f.store.trades)
	require.Equal(t, []string{testEventID(1)}, f.drainDownstream(1))
}

func TestRouterRunFlushesFullBatches(t *testing.T) {
	f := newFixture(t, 2)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.router.Run(ctx)
	}()

	now := f.clock.Now()
	f.input <- testEvent(1, KindHeartbeat, "bot-a", now, "{}")
	f.input <- testEvent(2, KindHeartbeat, "bot-b", now, "{}")

	first := <-f.router.Downstream()
	second := <-f.router.Downstream()
	require.Equal(t, testEventID(1), first.ID)
	require.Equal(t, testEventID(2), second.ID)

	cancel()
	<-done

	// Downstream closes after the drain.
	_, open := <-f.router.Downstream()
	require.False(t, open)
}

func TestRouterShutdownDrainsPending(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	now := f.clock.Now()

	f.store.botsByEth["0xabc"] = &tradedb.BotRecord{BotPubkey: "bot-a", EthAddress: "0xabc"}
	f.cipher.payloads["c1"] = `{"agent":"0xabc","symbol":"ETH","side":"buy","size":1,"price":1}`

	f.router.ingest(ctx, testEvent(2, KindTradeSignal, "leader-pub", now.Add(-time.Minute), "c1"))
	f.router.ingest(ctx, testEvent(1, KindHeartbeat, "bot-a", now.Add(-2*time.Minute), "{}"))

	f.router.shutdown()

	first, open := <-f.router.Downstream()
	require.True(t, open)
	require.Equal(t, testEventID(1), first.ID)
	second := <-f.router.Downstream()
	require.Equal(t, testEventID(2), second.ID)

	_, open = <-f.router.Downstream()
	require.False(t, open)

	// The drain forwards only; no classification side effects run.
	require.Empty(t, f.store.signals)
	require.Empty(t, f.store.trades)
	require.Empty(t, f.store.lastSeen)
}
