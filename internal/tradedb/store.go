package tradedb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/moltrade/relayer/internal/log"
)

// KindPlatformKeyRotation is the plaintext notice emitted when the platform
// key changes.
const KindPlatformKeyRotation = 39990

// RotationPublisher publishes plaintext platform events to the upstream bus.
type RotationPublisher interface {
	PublishPlain(ctx context.Context, kind int, content string) error
}

// Store represents access to the postgres database for subscription and
// trade management.
type Store struct {
	log log.Logger
	db  *sqlx.DB
}

// NewStore returns a store bound to db with the schema created and migrated.
func NewStore(ctx context.Context, l log.Logger, db *sqlx.DB) (*Store, error) {
	s := &Store{
		log: l,
		db:  db,
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

// ensureSchema creates the tables idempotently and applies the add-column
// migrations older deployments need.
func (s *Store) ensureSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS bots (
		bot_pubkey TEXT PRIMARY KEY,
		nostr_pubkey TEXT NOT NULL,
		eth_address TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_seen_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	ALTER TABLE bots ADD COLUMN IF NOT EXISTS nostr_pubkey TEXT NOT NULL DEFAULT '';
	ALTER TABLE bots ADD COLUMN IF NOT EXISTS eth_address TEXT NOT NULL DEFAULT '';
	ALTER TABLE bots ADD COLUMN IF NOT EXISTS last_seen_at TIMESTAMPTZ NOT NULL DEFAULT now();

	CREATE TABLE IF NOT EXISTS subscriptions (
		id BIGSERIAL PRIMARY KEY,
		bot_pubkey TEXT NOT NULL REFERENCES bots(bot_pubkey) ON DELETE CASCADE,
		follower_pubkey TEXT NOT NULL,
		shared_secret TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE(bot_pubkey, follower_pubkey)
	);

	CREATE TABLE IF NOT EXISTS platform_state (
		id TEXT PRIMARY KEY,
		pubkey TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS trade_executions (
		id BIGSERIAL PRIMARY KEY,
		bot_pubkey TEXT NOT NULL REFERENCES bots(bot_pubkey) ON DELETE CASCADE,
		follower_pubkey TEXT NULL,
		role TEXT NOT NULL CHECK (role IN ('leader','follower')),
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		size DOUBLE PRECISION NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		tx_hash TEXT NULL UNIQUE,
		oid TEXT NULL UNIQUE,
		status TEXT NOT NULL DEFAULT 'pending',
		pnl DOUBLE PRECISION NULL,
		pnl_usd DOUBLE PRECISION NULL,
		is_test BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	ALTER TABLE trade_executions ADD COLUMN IF NOT EXISTS oid TEXT NULL UNIQUE;
	ALTER TABLE trade_executions ADD COLUMN IF NOT EXISTS is_test BOOLEAN NOT NULL DEFAULT FALSE;
	ALTER TABLE trade_executions ALTER COLUMN tx_hash DROP NOT NULL;

	CREATE TABLE IF NOT EXISTS credits (
		bot_pubkey TEXT NOT NULL REFERENCES bots(bot_pubkey) ON DELETE CASCADE,
		follower_pubkey TEXT NOT NULL,
		credits DOUBLE PRECISION NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (bot_pubkey, follower_pubkey)
	);

	CREATE TABLE IF NOT EXISTS signals (
		event_id TEXT PRIMARY KEY,
		kind INTEGER NOT NULL,
		bot_pubkey TEXT NULL,
		leader_pubkey TEXT NOT NULL,
		follower_pubkey TEXT NULL,
		agent_eth_address TEXT NULL,
		role TEXT NULL,
		symbol TEXT NULL,
		side TEXT NULL,
		size DOUBLE PRECISION NULL,
		price DOUBLE PRECISION NULL,
		status TEXT NULL,
		tx_hash TEXT NULL,
		pnl DOUBLE PRECISION NULL,
		pnl_usd DOUBLE PRECISION NULL,
		raw_content TEXT NOT NULL,
		event_created_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// RegisterBot upserts a bot record, overwriting name and keys on conflict.
func (s *Store) RegisterBot(ctx context.Context, botPubkey, nostrPubkey, ethAddress, name string) error {
	const query = `
	INSERT INTO bots
		(bot_pubkey, nostr_pubkey, eth_address, name)
	VALUES
		($1, $2, $3, $4)
	ON CONFLICT (bot_pubkey) DO UPDATE SET
		name = EXCLUDED.name,
		nostr_pubkey = EXCLUDED.nostr_pubkey,
		eth_address = EXCLUDED.eth_address`

	_, err := s.db.ExecContext(ctx, query, botPubkey, nostrPubkey, ethAddress, name)
	return err
}

// AddSubscription upserts a follower subscription, replacing the stored
// follower encryption key on conflict.
func (s *Store) AddSubscription(ctx context.Context, botPubkey, followerPubkey, followerKey string) error {
	const query = `
	INSERT INTO subscriptions
		(bot_pubkey, follower_pubkey, shared_secret)
	VALUES
		($1, $2, $3)
	ON CONFLICT (bot_pubkey, follower_pubkey) DO UPDATE SET
		shared_secret = EXCLUDED.shared_secret`

	_, err := s.db.ExecContext(ctx, query, botPubkey, followerPubkey, followerKey)
	return err
}

// ListSubscriptions returns every follower subscribed to the bot.
func (s *Store) ListSubscriptions(ctx context.Context, botPubkey string) ([]SubscriptionRow, error) {
	const query = `
	SELECT
		follower_pubkey, shared_secret
	FROM
		subscriptions
	WHERE
		bot_pubkey = $1`

	var rows []SubscriptionRow
	err := s.db.SelectContext(ctx, &rows, query, botPubkey)
	return rows, err
}

// FindBotByEth returns the bot registered for the agent eth address, or nil.
func (s *Store) FindBotByEth(ctx context.Context, ethAddress string) (*BotRecord, error) {
	const query = `
	SELECT
		bot_pubkey, nostr_pubkey, eth_address
	FROM
		bots
	WHERE
		eth_address = $1
	LIMIT 1`

	var bot BotRecord
	err := s.db.GetContext(ctx, &bot, query, ethAddress)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &bot, nil
}

// UpdateBotLastSeen stamps the bot's liveness.
func (s *Store) UpdateBotLastSeen(ctx context.Context, botPubkey string) error {
	const query = `UPDATE bots SET last_seen_at = now() WHERE bot_pubkey = $1`

	_, err := s.db.ExecContext(ctx, query, botPubkey)
	return err
}

// RecordTradeTx inserts a trade execution row; a conflict on tx_hash or oid
// is silently ignored so replays are idempotent.
func (s *Store) RecordTradeTx(ctx context.Context, t TradeInsert) error {
	const query = `
	INSERT INTO trade_executions
		(bot_pubkey, follower_pubkey, role, symbol, side, size, price, tx_hash, oid, is_test)
	VALUES
		(:bot_pubkey, :follower_pubkey, :role, :symbol, :side, :size, :price, :tx_hash, :oid, :is_test)
	ON CONFLICT DO NOTHING`

	_, err := s.db.NamedExecContext(ctx, query, t)
	if err != nil && isUniqueViolation(err) {
		return nil
	}
	return err
}

// UpdateTradeSettlement transitions a trade's status by tx hash or oid,
// preserving existing PnL values when the new ones are absent. A call with
// neither key is a no-op.
func (s *Store) UpdateTradeSettlement(ctx context.Context, txHash, oid *string, status string, pnl, pnlUSD *float64) error {
	if txHash == nil && oid == nil {
		return nil
	}

	const query = `
	UPDATE trade_executions SET
		status = $3,
		pnl = COALESCE($4, pnl),
		pnl_usd = COALESCE($5, pnl_usd),
		updated_at = now()
	WHERE
		(tx_hash = $1 AND $1 IS NOT NULL)
		OR (oid = $2 AND $2 IS NOT NULL)`

	_, err := s.db.ExecContext(ctx, query, txHash, oid, status, pnl, pnlUSD)
	return err
}

// ListPendingTrades returns up to limit pending trades, oldest first.
func (s *Store) ListPendingTrades(ctx context.Context, limit int) ([]PendingTrade, error) {
	const query = `
	SELECT
		tx_hash, oid, bot_pubkey, follower_pubkey, role, size, price, pnl_usd, is_test
	FROM
		trade_executions
	WHERE
		status = 'pending'
	ORDER BY
		created_at ASC
	LIMIT $1`

	var rows []PendingTrade
	err := s.db.SelectContext(ctx, &rows, query, limit)
	return rows, err
}

// AwardCredits adds delta to the (bot, follower) credit balance.
func (s *Store) AwardCredits(ctx context.Context, botPubkey, followerPubkey string, delta float64) error {
	const query = `
	INSERT INTO credits
		(bot_pubkey, follower_pubkey, credits)
	VALUES
		($1, $2, $3)
	ON CONFLICT (bot_pubkey, follower_pubkey) DO UPDATE SET
		credits = credits.credits + EXCLUDED.credits,
		updated_at = now()`

	_, err := s.db.ExecContext(ctx, query, botPubkey, followerPubkey, delta)
	return err
}

// ListCredits returns credit balances, optionally filtered, highest first.
func (s *Store) ListCredits(ctx context.Context, botPubkey, followerPubkey string) ([]CreditBalance, error) {
	var conditions []string
	var args []interface{}

	if botPubkey != "" {
		args = append(args, botPubkey)
		conditions = append(conditions, fmt.Sprintf("bot_pubkey = $%d", len(args)))
	}
	if followerPubkey != "" {
		args = append(args, followerPubkey)
		conditions = append(conditions, fmt.Sprintf("follower_pubkey = $%d", len(args)))
	}

	query := `SELECT bot_pubkey, follower_pubkey, credits FROM credits`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY credits DESC"

	var rows []CreditBalance
	err := s.db.SelectContext(ctx, &rows, query, args...)
	return rows, err
}

// RecordSignal appends to the signal audit log; a replayed event id is
// silently ignored.
func (s *Store) RecordSignal(ctx context.Context, sig SignalInsert) error {
	const query = `
	INSERT INTO signals
		(event_id, kind, bot_pubkey, leader_pubkey, follower_pubkey, agent_eth_address,
		 role, symbol, side, size, price, status, tx_hash, pnl, pnl_usd,
		 raw_content, event_created_at)
	VALUES
		(:event_id, :kind, :bot_pubkey, :leader_pubkey, :follower_pubkey, :agent_eth_address,
		 :role, :symbol, :side, :size, :price, :status, :tx_hash, :pnl, :pnl_usd,
		 :raw_content, :event_created_at)
	ON CONFLICT (event_id) DO NOTHING`

	_, err := s.db.NamedExecContext(ctx, query, sig)
	if err != nil && isUniqueViolation(err) {
		return nil
	}
	return err
}

// EnsurePlatformPubkey records the advertised platform key and, when it
// changed, broadcasts a key rotation notice through the publisher.
func (s *Store) EnsurePlatformPubkey(ctx context.Context, current string, pub RotationPublisher) error {
	const get = `SELECT pubkey FROM platform_state WHERE id = 'platform'`

	var previous *string
	var existing string
	err := s.db.GetContext(ctx, &existing, get)
	switch {
	case errors.Is(err, ErrNotFound):
		// first boot
	case err != nil:
		return err
	default:
		if existing == current {
			return nil
		}
		previous = &existing
	}

	const upsert = `
	INSERT INTO platform_state
		(id, pubkey, updated_at)
	VALUES
		('platform', $1, now())
	ON CONFLICT (id) DO UPDATE SET
		pubkey = EXCLUDED.pubkey,
		updated_at = now()`

	if _, err := s.db.ExecContext(ctx, upsert, current); err != nil {
		return err
	}

	// First boot just records the key; only an actual change is announced.
	if previous == nil {
		return nil
	}

	if pub == nil {
		s.log.Warnw("", "tradedb", "platform key changed but no publisher configured, skipping broadcast")
		return nil
	}

	notice, err := json.Marshal(map[string]interface{}{
		"op":              "platform_key_rotation",
		"new_pubkey":      current,
		"previous_pubkey": previous,
		"ts":              time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	if err := pub.PublishPlain(ctx, KindPlatformKeyRotation, string(notice)); err != nil {
		s.log.Warnw("", "tradedb", "failed to publish platform key rotation", "err", err)
		return nil
	}
	s.log.Infow("", "tradedb", "published platform key rotation", "pubkey", current)
	return nil
}
