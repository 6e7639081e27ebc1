package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Status is the channel lifecycle state. Transitions follow the channel
// state machine; closed and expired are terminal.
type Status string

const (
	StatusOpening       Status = "opening"
	StatusActive        Status = "active"
	StatusCheckpointing Status = "checkpointing"
	StatusSettling      Status = "settling"
	StatusClosed        Status = "closed"
	StatusDisputed      Status = "disputed"
	StatusTimedOut      Status = "timed_out"
	StatusExpired       Status = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool { return s == StatusClosed || s == StatusExpired }

// LiveQuote is a quote held in the channel's book until it is filled,
// cancelled, or expires.
type LiveQuote struct {
	Quote    Quote     `json:"quote"`
	FilledBy string    `json:"filled_by,omitempty"` // fill_id once consumed
	PlacedAt time.Time `json:"placed_at"`
}

// Channel is the authoritative per-channel record. Balance vectors are
// aligned with the Tokens slice; conservation against InitialDeposits is
// re-checked on every fill.
type Channel struct {
	ID     string         `json:"id"`
	Trader common.Address `json:"trader"`
	LP     common.Address `json:"lp"`
	Tokens []common.Address `json:"tokens"`

	Nonce           uint64    `json:"nonce"`
	TraderBalances  []*Amount `json:"trader_balances"`
	LPBalances      []*Amount `json:"lp_balances"`
	InitialDeposits []*Amount `json:"initial_deposits"` // trader+lp per token

	Status Status `json:"status"`

	OpenedAt         time.Time `json:"opened_at"`
	LastCheckpointAt time.Time `json:"last_checkpoint_at"`
	TimeoutAt        time.Time `json:"timeout_at"`
	LastActivity     time.Time `json:"last_activity"`
	LastMsgTimestamp uint64    `json:"last_msg_timestamp"`

	LastStateHash common.Hash `json:"last_state_hash"`

	// Requests holds open quote requests keyed by the nonce that carried
	// them; quotes reference them by request_nonce and fills inherit the
	// token pair and side from them.
	Requests map[uint64]*QuoteRequest `json:"requests"`
	Quotes   map[string]*LiveQuote    `json:"quotes"`
	Fills    map[string]uint64        `json:"fills"` // fill_id -> nonce, replay guard
}

// TokenIndex returns the position of a token in the channel's token list,
// or -1 when the token is not held.
func (c *Channel) TokenIndex(token common.Address) int {
	for i, t := range c.Tokens {
		if t == token {
			return i
		}
	}
	return -1
}

// IsParticipant reports whether addr is one of the two counterparties.
func (c *Channel) IsParticipant(addr common.Address) bool {
	return addr == c.Trader || addr == c.LP
}

// Clone returns a deep copy. The store and the state machine never share
// a live record.
func (c *Channel) Clone() *Channel {
	dup := *c
	dup.Tokens = append([]common.Address(nil), c.Tokens...)
	dup.TraderBalances = cloneAmounts(c.TraderBalances)
	dup.LPBalances = cloneAmounts(c.LPBalances)
	dup.InitialDeposits = cloneAmounts(c.InitialDeposits)
	dup.Requests = make(map[uint64]*QuoteRequest, len(c.Requests))
	for n, r := range c.Requests {
		rc := *r
		rc.Quantity = r.Quantity.Clone()
		dup.Requests[n] = &rc
	}
	dup.Quotes = make(map[string]*LiveQuote, len(c.Quotes))
	for id, q := range c.Quotes {
		qc := *q
		dup.Quotes[id] = &qc
	}
	dup.Fills = make(map[string]uint64, len(c.Fills))
	for id, n := range c.Fills {
		dup.Fills[id] = n
	}
	return &dup
}

func cloneAmounts(in []*Amount) []*Amount {
	out := make([]*Amount, len(in))
	for i, a := range in {
		out[i] = a.Clone()
	}
	return out
}

// Snapshot extracts the dual-signable state at the channel's current nonce.
func (c *Channel) Snapshot(chainID uint64) *ChannelState {
	return &ChannelState{
		ChannelID:      c.ID,
		Nonce:          c.Nonce,
		Trader:         c.Trader,
		LP:             c.LP,
		TraderBalances: cloneAmounts(c.TraderBalances),
		LPBalances:     cloneAmounts(c.LPBalances),
		Timestamp:      c.LastMsgTimestamp,
		ChainID:        chainID,
	}
}

// ChannelState is the canonical dual-signable snapshot exchanged in
// checkpoints and settlement.
type ChannelState struct {
	ChannelID      string         `json:"channel_id"`
	Nonce          uint64         `json:"nonce"`
	Trader         common.Address `json:"trader"`
	LP             common.Address `json:"lp"`
	TraderBalances []*Amount      `json:"trader_balances"`
	LPBalances     []*Amount      `json:"lp_balances"`
	Timestamp      uint64         `json:"timestamp"`
	ChainID        uint64         `json:"chain_id"`
}

// Checkpoint is a witnessed intermediate state with both signatures.
type Checkpoint struct {
	ChannelID   string        `json:"channel_id"`
	Nonce       uint64        `json:"nonce"`
	StateHash   common.Hash   `json:"state_hash"`
	TraderSig   hexutil.Bytes `json:"trader_signature"`
	LPSig       hexutil.Bytes `json:"lp_signature"`
	CreatedAt   time.Time     `json:"created_at"`
	SubmittedAt time.Time     `json:"submitted_at,omitempty"`
}

// SubmissionStatus tracks a settlement's on-chain lifecycle.
type SubmissionStatus string

const (
	SubmissionPending   SubmissionStatus = "pending"
	SubmissionSubmitted SubmissionStatus = "submitted"
	SubmissionConfirmed SubmissionStatus = "confirmed"
	SubmissionFailed    SubmissionStatus = "failed"
)

// SettlementRequest is a final state plus both signatures and its
// submission status.
type SettlementRequest struct {
	ChannelID  string           `json:"channel_id"`
	FinalState *ChannelState    `json:"final_state"`
	TraderSig  hexutil.Bytes    `json:"trader_signature"`
	LPSig      hexutil.Bytes    `json:"lp_signature"`
	Status     SubmissionStatus `json:"status"`
	Attempts   int              `json:"attempts"`
	UpdatedAt  time.Time        `json:"updated_at"`

	// Staged holds a higher-nonce dual-signed state presented during the
	// dispute window. Resolution is an explicit operator action.
	Staged *SettlementRequest `json:"staged,omitempty"`
}
