// Package model defines the channel record, the inbound message variants,
// and their wire encodings. Messages form a closed tagged union; validation
// switches over MsgType exhaustively.
package model

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// MsgType tags an inbound message variant.
type MsgType string

const (
	MsgQuoteRequest MsgType = "quote_request"
	MsgQuote        MsgType = "quote"
	MsgFill         MsgType = "fill"
	MsgCancel       MsgType = "cancel"
	MsgReplace      MsgType = "replace"
	MsgHeartbeat    MsgType = "heartbeat"
)

// Side is the trader's direction for the base token.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether the side is one of the two legal values.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Message is the interface shared by all inbound variants.
type Message interface {
	MsgType() MsgType
	Channel() string
	NonceClaim() uint64
	TimestampMs() uint64
}

// QuoteRequest asks the LP for a firm price.
type QuoteRequest struct {
	ChannelID      string         `json:"channel_id"`
	Nonce          uint64         `json:"nonce"`
	Side           Side           `json:"side"`
	BaseToken      common.Address `json:"base_token"`
	QuoteToken     common.Address `json:"quote_token"`
	Quantity       *Amount        `json:"quantity"`
	MaxSlippageBps uint64         `json:"max_slippage_bps"`
	Timestamp      uint64         `json:"timestamp"`
	Trader         common.Address `json:"trader"`
	Signature      hexutil.Bytes  `json:"signature"`
}

func (m *QuoteRequest) MsgType() MsgType    { return MsgQuoteRequest }
func (m *QuoteRequest) Channel() string     { return m.ChannelID }
func (m *QuoteRequest) NonceClaim() uint64  { return m.Nonce }
func (m *QuoteRequest) TimestampMs() uint64 { return m.Timestamp }

// Quote is the LP's firm offer against a prior request. Quotes reference
// their request by request nonce and do not advance the channel nonce
// themselves.
type Quote struct {
	ChannelID       string         `json:"channel_id"`
	QuoteID         string         `json:"quote_id"`
	RequestNonce    uint64         `json:"request_nonce"`
	Price           *Amount        `json:"price"`
	Quantity        *Amount        `json:"quantity"`
	Side            Side           `json:"side"`
	ExpiryTimestamp uint64         `json:"expiry_timestamp"`
	LpFeeBps        uint64         `json:"lp_fee_bps"`
	Timestamp       uint64         `json:"timestamp"`
	LP              common.Address `json:"lp"`
	Signature       hexutil.Bytes  `json:"signature"`
}

func (m *Quote) MsgType() MsgType    { return MsgQuote }
func (m *Quote) Channel() string     { return m.ChannelID }
func (m *Quote) NonceClaim() uint64  { return 0 }
func (m *Quote) TimestampMs() uint64 { return m.Timestamp }

// Fill is the trader's acceptance of a quote, countersigned by the LP.
type Fill struct {
	ChannelID       string         `json:"channel_id"`
	QuoteID         string         `json:"quote_id"`
	FillID          string         `json:"fill_id"`
	Nonce           uint64         `json:"nonce"`
	Quantity        *Amount        `json:"quantity"`
	Price           *Amount        `json:"price"`
	Timestamp       uint64         `json:"timestamp"`
	Trader          common.Address `json:"trader"`
	LP              common.Address `json:"lp"`
	TraderSignature hexutil.Bytes  `json:"trader_signature"`
	LPSignature     hexutil.Bytes  `json:"lp_signature"`
}

func (m *Fill) MsgType() MsgType    { return MsgFill }
func (m *Fill) Channel() string     { return m.ChannelID }
func (m *Fill) NonceClaim() uint64  { return m.Nonce }
func (m *Fill) TimestampMs() uint64 { return m.Timestamp }

// Cancel withdraws a live, unfilled quote.
type Cancel struct {
	ChannelID string         `json:"channel_id"`
	QuoteID   string         `json:"quote_id"`
	Nonce     uint64         `json:"nonce"`
	Timestamp uint64         `json:"timestamp"`
	Trader    common.Address `json:"trader"`
	Signature hexutil.Bytes  `json:"signature"`
}

func (m *Cancel) MsgType() MsgType    { return MsgCancel }
func (m *Cancel) Channel() string     { return m.ChannelID }
func (m *Cancel) NonceClaim() uint64  { return m.Nonce }
func (m *Cancel) TimestampMs() uint64 { return m.Timestamp }

// Replace atomically cancels a quote and issues a new request at a single
// advanced nonce. If the embedded request fails validation the original
// quote stays live and no nonce is consumed.
type Replace struct {
	ChannelID       string         `json:"channel_id"`
	OriginalQuoteID string         `json:"original_quote_id"`
	NewQuoteRequest QuoteRequest   `json:"new_quote_request"`
	Nonce           uint64         `json:"nonce"`
	Timestamp       uint64         `json:"timestamp"`
	Trader          common.Address `json:"trader"`
	Signature       hexutil.Bytes  `json:"signature"`
}

func (m *Replace) MsgType() MsgType    { return MsgReplace }
func (m *Replace) Channel() string     { return m.ChannelID }
func (m *Replace) NonceClaim() uint64  { return m.Nonce }
func (m *Replace) TimestampMs() uint64 { return m.Timestamp }

// Heartbeat refreshes liveness. It never advances the channel nonce.
type Heartbeat struct {
	ChannelID string         `json:"channel_id"`
	Nonce     uint64         `json:"nonce"`
	Timestamp uint64         `json:"timestamp"`
	Sender    common.Address `json:"sender"`
	Signature hexutil.Bytes  `json:"signature"`
}

func (m *Heartbeat) MsgType() MsgType    { return MsgHeartbeat }
func (m *Heartbeat) Channel() string     { return m.ChannelID }
func (m *Heartbeat) NonceClaim() uint64  { return m.Nonce }
func (m *Heartbeat) TimestampMs() uint64 { return m.Timestamp }

// Envelope is the transport framing for any inbound message.
type Envelope struct {
	Type    MsgType         `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Decode parses the envelope payload into its concrete variant.
func (e *Envelope) Decode() (Message, error) {
	var msg Message
	switch e.Type {
	case MsgQuoteRequest:
		msg = &QuoteRequest{}
	case MsgQuote:
		msg = &Quote{}
	case MsgFill:
		msg = &Fill{}
	case MsgCancel:
		msg = &Cancel{}
	case MsgReplace:
		msg = &Replace{}
	case MsgHeartbeat:
		msg = &Heartbeat{}
	default:
		return nil, fmt.Errorf("unknown message type %q", e.Type)
	}
	if err := json.Unmarshal(e.Payload, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", e.Type, err)
	}
	return msg, nil
}

// Encode wraps a message back into an envelope, for broadcast and archival.
func Encode(msg Message) (*Envelope, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: msg.MsgType(), Payload: payload}, nil
}
