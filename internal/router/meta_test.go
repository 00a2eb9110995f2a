package router

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractMetaAliases(t *testing.T) {
	for _, tc := range []struct {
		name    string
		payload string
		wantEth string
	}{
		{"agent_eth_address", `{"agent_eth_address":"0xabc"}`, "0xabc"},
		{"agent", `{"agent":"0xabc"}`, "0xabc"},
		{"account", `{"account":"0xabc"}`, "0xabc"},
		{"eth_address", `{"eth_address":"0xabc"}`, "0xabc"},
		{"agent_eth_address wins", `{"agent_eth_address":"0x0","agent":"0x1"}`, "0x0"},
		{"agent wins", `{"agent":"0x1","account":"0x2"}`, "0x1"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m, ok := extractMeta(tc.payload)
			require.True(t, ok)
			require.Equal(t, tc.wantEth, m.EthAddress)
		})
	}
}

func TestExtractMetaFollowerAliases(t *testing.T) {
	m, ok := extractMeta(`{"follower_pubkey":"follower-1"}`)
	require.True(t, ok)
	require.Equal(t, "follower-1", m.Follower)

	m, ok = extractMeta(`{"follower":"follower-2"}`)
	require.True(t, ok)
	require.Equal(t, "follower-2", m.Follower)
}

func TestExtractMetaFields(t *testing.T) {
	m, ok := extractMeta(`{
		"agent": "0xabc",
		"follower": "follower-1",
		"symbol": "ETH",
		"side": "buy",
		"size": 2.5,
		"price": "3000.5",
		"status": "filled",
		"tx_hash": "0xdead",
		"order_id": "ord-1",
		"pnl_usd": -12.5
	}`)
	require.True(t, ok)

	require.Equal(t, "follower-1", m.Follower)
	require.Equal(t, "ETH", m.Symbol)
	require.Equal(t, "buy", m.Side)
	require.Equal(t, 2.5, *m.Size)
	// Quoted numbers are tolerated.
	require.Equal(t, 3000.5, *m.Price)
	require.Equal(t, "0xdead", m.TxHash)
	require.Equal(t, "ord-1", m.Oid)
	require.Equal(t, -12.5, *m.PnlUSD)
	require.False(t, m.IsTest)
}

func TestExtractMetaTestFlag(t *testing.T) {
	m, ok := extractMeta(`{"test_mode":true}`)
	require.True(t, ok)
	require.True(t, m.IsTest)

	m, ok = extractMeta(`{"status":"simulated"}`)
	require.True(t, ok)
	require.True(t, m.IsTest)

	m, ok = extractMeta(`{"status":"filled"}`)
	require.True(t, ok)
	require.False(t, m.IsTest)
}

func TestExtractMetaOidAlias(t *testing.T) {
	m, ok := extractMeta(`{"oid":"ord-2"}`)
	require.True(t, ok)
	require.Equal(t, "ord-2", m.Oid)
}

func TestExtractMetaNotJSON(t *testing.T) {
	_, ok := extractMeta("hello there")
	require.False(t, ok)

	// Arrays are not signal payloads.
	_, ok = extractMeta(`[1,2,3]`)
	require.False(t, ok)
}

func TestExtractRegisterMeta(t *testing.T) {
	m, ok := extractRegisterMeta(`{"bot_pubkey":"B","nostr_pubkey":"N","account":"0xabc","name":"alpha"}`)
	require.True(t, ok)
	require.Equal(t, "B", m.BotPubkey)
	require.Equal(t, "N", m.NostrPubkey)
	require.Equal(t, "0xabc", m.EthAddress)
	require.Equal(t, "alpha", m.Name)

	// Pubkeys are optional; the name defaults to "agent".
	m, ok = extractRegisterMeta(`{"agent":"0xdef"}`)
	require.True(t, ok)
	require.Empty(t, m.BotPubkey)
	require.Equal(t, "agent", m.Name)

	_, ok = extractRegisterMeta(`{"name":"no address"}`)
	require.False(t, ok)
}
