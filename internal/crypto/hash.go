package crypto

import (
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/ChikamsoChidebe/Photonx/internal/model"
)

// Per-type hashes. The encoded field order matches the wire schema exactly.
var (
	quoteRequestTypehash = gethcrypto.Keccak256([]byte(
		"QuoteRequest(string channelId,uint64 nonce,string side,address baseToken,address quoteToken,uint256 quantity,uint64 maxSlippageBps,uint64 timestamp,address trader)",
	))
	quoteTypehash = gethcrypto.Keccak256([]byte(
		"Quote(string channelId,string quoteId,uint64 requestNonce,uint256 price,uint256 quantity,string side,uint64 expiryTimestamp,uint64 lpFeeBps,uint64 timestamp,address lp)",
	))
	fillTypehash = gethcrypto.Keccak256([]byte(
		"Fill(string channelId,string quoteId,string fillId,uint64 nonce,uint256 quantity,uint256 price,uint64 timestamp,address trader,address lp)",
	))
	cancelTypehash = gethcrypto.Keccak256([]byte(
		"Cancel(string channelId,string quoteId,uint64 nonce,uint64 timestamp,address trader)",
	))
	replaceTypehash = gethcrypto.Keccak256([]byte(
		"Replace(string channelId,string originalQuoteId,bytes32 newQuoteRequest,uint64 nonce,uint64 timestamp,address trader)",
	))
	heartbeatTypehash = gethcrypto.Keccak256([]byte(
		"Heartbeat(string channelId,uint64 nonce,uint64 timestamp,address sender)",
	))
	channelStateTypehash = gethcrypto.Keccak256([]byte(
		"ChannelState(string channelId,uint64 nonce,address trader,address lp,uint256[] traderBalances,uint256[] lpBalances,uint64 timestamp,uint256 chainId)",
	))
)

func padUint64(v uint64) []byte {
	var b [32]byte
	for i := 0; i < 8; i++ {
		b[31-i] = byte(v >> (8 * i))
	}
	return b[:]
}

func padAddress(a common.Address) []byte {
	var b [32]byte
	copy(b[12:], a.Bytes())
	return b[:]
}

func hashString(s string) []byte {
	return gethcrypto.Keccak256([]byte(s))
}

func padAmount(a *model.Amount) []byte {
	b := a.Bytes32()
	return b[:]
}

// hashAmounts hashes a balance vector as keccak(concat(element hashes)).
func hashAmounts(amounts []*model.Amount) []byte {
	concat := make([]byte, 0, 32*len(amounts))
	for _, a := range amounts {
		concat = append(concat, gethcrypto.Keccak256(padAmount(a))...)
	}
	return gethcrypto.Keccak256(concat)
}

// HashMessage returns the struct hash of any inbound message variant.
func HashMessage(msg model.Message) common.Hash {
	switch m := msg.(type) {
	case *model.QuoteRequest:
		return HashQuoteRequest(m)
	case *model.Quote:
		return HashQuote(m)
	case *model.Fill:
		return HashFill(m)
	case *model.Cancel:
		return HashCancel(m)
	case *model.Replace:
		return HashReplace(m)
	case *model.Heartbeat:
		return HashHeartbeat(m)
	}
	// The union is closed; a new variant must be wired here explicitly.
	panic("crypto: unhandled message variant")
}

// HashQuoteRequest returns the struct hash of a quote request.
func HashQuoteRequest(m *model.QuoteRequest) common.Hash {
	return common.BytesToHash(gethcrypto.Keccak256(
		quoteRequestTypehash,
		hashString(m.ChannelID),
		padUint64(m.Nonce),
		hashString(string(m.Side)),
		padAddress(m.BaseToken),
		padAddress(m.QuoteToken),
		padAmount(m.Quantity),
		padUint64(m.MaxSlippageBps),
		padUint64(m.Timestamp),
		padAddress(m.Trader),
	))
}

// HashQuote returns the struct hash of an LP quote.
func HashQuote(m *model.Quote) common.Hash {
	return common.BytesToHash(gethcrypto.Keccak256(
		quoteTypehash,
		hashString(m.ChannelID),
		hashString(m.QuoteID),
		padUint64(m.RequestNonce),
		padAmount(m.Price),
		padAmount(m.Quantity),
		hashString(string(m.Side)),
		padUint64(m.ExpiryTimestamp),
		padUint64(m.LpFeeBps),
		padUint64(m.Timestamp),
		padAddress(m.LP),
	))
}

// HashFill returns the struct hash of a fill. Both participants sign it.
func HashFill(m *model.Fill) common.Hash {
	return common.BytesToHash(gethcrypto.Keccak256(
		fillTypehash,
		hashString(m.ChannelID),
		hashString(m.QuoteID),
		hashString(m.FillID),
		padUint64(m.Nonce),
		padAmount(m.Quantity),
		padAmount(m.Price),
		padUint64(m.Timestamp),
		padAddress(m.Trader),
		padAddress(m.LP),
	))
}

// HashCancel returns the struct hash of a cancel.
func HashCancel(m *model.Cancel) common.Hash {
	return common.BytesToHash(gethcrypto.Keccak256(
		cancelTypehash,
		hashString(m.ChannelID),
		hashString(m.QuoteID),
		padUint64(m.Nonce),
		padUint64(m.Timestamp),
		padAddress(m.Trader),
	))
}

// HashReplace returns the struct hash of a replace. The embedded request is
// folded in by its own struct hash.
func HashReplace(m *model.Replace) common.Hash {
	inner := HashQuoteRequest(&m.NewQuoteRequest)
	return common.BytesToHash(gethcrypto.Keccak256(
		replaceTypehash,
		hashString(m.ChannelID),
		hashString(m.OriginalQuoteID),
		inner.Bytes(),
		padUint64(m.Nonce),
		padUint64(m.Timestamp),
		padAddress(m.Trader),
	))
}

// HashHeartbeat returns the struct hash of a heartbeat.
func HashHeartbeat(m *model.Heartbeat) common.Hash {
	return common.BytesToHash(gethcrypto.Keccak256(
		heartbeatTypehash,
		hashString(m.ChannelID),
		padUint64(m.Nonce),
		padUint64(m.Timestamp),
		padAddress(m.Sender),
	))
}

// HashChannelState returns the struct hash of a dual-signable state
// snapshot. This is the hash recorded as the channel's last_state_hash.
func HashChannelState(s *model.ChannelState) common.Hash {
	return common.BytesToHash(gethcrypto.Keccak256(
		channelStateTypehash,
		hashString(s.ChannelID),
		padUint64(s.Nonce),
		padAddress(s.Trader),
		padAddress(s.LP),
		hashAmounts(s.TraderBalances),
		hashAmounts(s.LPBalances),
		padUint64(s.Timestamp),
		padUint64(s.ChainID),
	))
}
