package tradedb

import "time"

// BotRecord is a registered trading bot.
type BotRecord struct {
	BotPubkey   string `db:"bot_pubkey" json:"bot_pubkey"`
	NostrPubkey string `db:"nostr_pubkey" json:"nostr_pubkey"`
	EthAddress  string `db:"eth_address" json:"eth_address"`
	Name        string `db:"name" json:"name"`
}

// SubscriptionRow links a follower to a bot. The shared_secret column holds
// the follower public key the bot's signals must be re-encrypted to; the
// column name is kept for wire compatibility.
type SubscriptionRow struct {
	FollowerPubkey string `db:"follower_pubkey" json:"follower_pubkey"`
	FollowerKey    string `db:"shared_secret" json:"shared_secret"`
}

// TradeInsert carries a new trade execution row. At least one of TxHash and
// Oid must be set.
type TradeInsert struct {
	BotPubkey      string  `db:"bot_pubkey"`
	FollowerPubkey *string `db:"follower_pubkey"`
	Role           string  `db:"role"`
	Symbol         string  `db:"symbol"`
	Side           string  `db:"side"`
	Size           float64 `db:"size"`
	Price          float64 `db:"price"`
	TxHash         *string `db:"tx_hash"`
	Oid            *string `db:"oid"`
	IsTest         bool    `db:"is_test"`
}

// PendingTrade is a trade execution awaiting settlement.
type PendingTrade struct {
	TxHash         *string  `db:"tx_hash"`
	Oid            *string  `db:"oid"`
	BotPubkey      string   `db:"bot_pubkey"`
	FollowerPubkey *string  `db:"follower_pubkey"`
	Role           string   `db:"role"`
	Size           float64  `db:"size"`
	Price          float64  `db:"price"`
	PnlUSD         *float64 `db:"pnl_usd"`
	IsTest         bool     `db:"is_test"`
}

// CreditBalance is the accumulated credit for a (bot, follower) pair.
type CreditBalance struct {
	BotPubkey      string  `db:"bot_pubkey" json:"bot_pubkey"`
	FollowerPubkey string  `db:"follower_pubkey" json:"follower_pubkey"`
	Credits        float64 `db:"credits" json:"credits"`
}

// SignalInsert is the audit record of one decrypted trade signal. The
// event_id primary key makes replays idempotent.
type SignalInsert struct {
	EventID         string    `db:"event_id"`
	Kind            int       `db:"kind"`
	BotPubkey       *string   `db:"bot_pubkey"`
	LeaderPubkey    string    `db:"leader_pubkey"`
	FollowerPubkey  *string   `db:"follower_pubkey"`
	AgentEthAddress *string   `db:"agent_eth_address"`
	Role            *string   `db:"role"`
	Symbol          *string   `db:"symbol"`
	Side            *string   `db:"side"`
	Size            *float64  `db:"size"`
	Price           *float64  `db:"price"`
	Status          *string   `db:"status"`
	TxHash          *string   `db:"tx_hash"`
	Pnl             *float64  `db:"pnl"`
	PnlUSD          *float64  `db:"pnl_usd"`
	RawContent      string    `db:"raw_content"`
	EventCreatedAt  time.Time `db:"event_created_at"`
}
