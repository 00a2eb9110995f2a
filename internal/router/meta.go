package router

import "encoding/json"

// Message kinds carried on the upstream bus.
const (
	KindTradeSignal     = 30931
	KindCopyTradeIntent = 30932
	KindHeartbeat       = 30933
	KindExecutionReport = 30934
	KindAgentRegister   = 30935
)

// signalMeta is the subset of a decrypted payload the router cares about.
// Producers are inconsistent about field names, so several aliases are
// accepted per field.
type signalMeta struct {
	EthAddress string
	Follower   string
	Role       string
	Symbol     string
	Side       string
	Size       *float64
	Price      *float64
	Status     string
	TxHash     string
	Oid        string
	Pnl        *float64
	PnlUSD     *float64
	IsTest     bool
}

type rawMeta map[string]json.RawMessage

func (r rawMeta) str(keys ...string) string {
	for _, k := range keys {
		raw, ok := r[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
	}
	return ""
}

func (r rawMeta) num(keys ...string) *float64 {
	for _, k := range keys {
		raw, ok := r[k]
		if !ok {
			continue
		}
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			return &f
		}
		// Some producers quote their numbers.
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			var q float64
			if err := json.Unmarshal([]byte(s), &q); err == nil {
				return &q
			}
		}
	}
	return nil
}

func (r rawMeta) boolean(keys ...string) bool {
	for _, k := range keys {
		raw, ok := r[k]
		if !ok {
			continue
		}
		var b bool
		if err := json.Unmarshal(raw, &b); err == nil {
			return b
		}
	}
	return false
}

// extractMeta parses a decrypted payload. It returns false when the payload
// is not a JSON object at all.
func extractMeta(plaintext string) (signalMeta, bool) {
	var raw rawMeta
	if err := json.Unmarshal([]byte(plaintext), &raw); err != nil {
		return signalMeta{}, false
	}

	m := signalMeta{
		EthAddress: raw.str("agent_eth_address", "agent", "account", "eth_address"),
		Follower:   raw.str("follower_pubkey", "follower"),
		Role:       raw.str("role"),
		Symbol:     raw.str("symbol", "coin"),
		Side:       raw.str("side"),
		Size:       raw.num("size", "sz"),
		Price:      raw.num("price", "px"),
		Status:     raw.str("status"),
		TxHash:     raw.str("tx_hash"),
		Oid:        raw.str("order_id", "oid"),
		Pnl:        raw.num("pnl"),
		PnlUSD:     raw.num("pnl_usd"),
	}
	m.IsTest = raw.boolean("test_mode", "is_test") || m.Status == "simulated"
	return m, true
}

// registerMeta is the plaintext body of an agent registration event. The
// pubkey fields are optional and fall back to the event's sender.
type registerMeta struct {
	BotPubkey   string
	NostrPubkey string
	EthAddress  string
	Name        string
}

func extractRegisterMeta(content string) (registerMeta, bool) {
	var raw rawMeta
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return registerMeta{}, false
	}
	m := registerMeta{
		BotPubkey:   raw.str("bot_pubkey"),
		NostrPubkey: raw.str("nostr_pubkey"),
		EthAddress:  raw.str("agent", "account", "eth_address"),
		Name:        raw.str("name"),
	}
	if m.EthAddress == "" {
		return registerMeta{}, false
	}
	if m.Name == "" {
		m.Name = "agent"
	}
	return m, true
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
