// Package channel implements the per-channel state machine: one
// authoritative record per live channel, mutated only under the pipeline's
// serialized path, with a read-through cache mirroring the store.
package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ChikamsoChidebe/Photonx/configs"
	"github.com/ChikamsoChidebe/Photonx/internal/crypto"
	"github.com/ChikamsoChidebe/Photonx/internal/model"
	"github.com/ChikamsoChidebe/Photonx/internal/photonerr"
	"github.com/ChikamsoChidebe/Photonx/internal/store"
)

// transitions is the legal status graph. checkpointing -> active is the
// only way back to trading; disputed -> settling is the operator's
// resolution path after settling -> disputed. Closed and expired admit
// nothing.
var transitions = map[model.Status][]model.Status{
	model.StatusOpening:       {model.StatusActive},
	model.StatusActive:        {model.StatusCheckpointing, model.StatusSettling, model.StatusDisputed, model.StatusTimedOut},
	model.StatusCheckpointing: {model.StatusActive, model.StatusSettling, model.StatusDisputed, model.StatusTimedOut},
	model.StatusSettling:      {model.StatusClosed, model.StatusDisputed},
	model.StatusDisputed:      {model.StatusSettling, model.StatusClosed},
	model.StatusTimedOut:      {model.StatusExpired},
}

func canTransition(from, to model.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AlertFunc receives operator escalations (store exhaustion, settlement
// failure, dispute staging).
type AlertFunc func(channelID, reason string)

// OpenParams are the channel-open inputs.
type OpenParams struct {
	Trader         common.Address
	LP             common.Address
	Tokens         []common.Address
	TraderDeposits []*model.Amount
	LPDeposits     []*model.Amount
	Timeout        time.Duration
}

type cacheEntry struct {
	ch        *model.Channel
	lastTouch time.Time
}

// Machine owns the in-memory channel cache and applies validated
// transitions. Callers serialize per channel before invoking any mutating
// operation; the machine re-reads the authoritative record from the store
// inside that critical section.
type Machine struct {
	store  store.Store
	domain *crypto.Domain
	cfg    configs.ChannelConfig
	logger *logrus.Logger
	alert  AlertFunc

	mu    sync.Mutex
	cache map[string]*cacheEntry
}

// NewMachine builds the state machine over a store and signing domain.
func NewMachine(st store.Store, domain *crypto.Domain, cfg configs.ChannelConfig, logger *logrus.Logger, alert AlertFunc) *Machine {
	if alert == nil {
		alert = func(channelID, reason string) {}
	}
	return &Machine{
		store:  st,
		domain: domain,
		cfg:    cfg,
		logger: logger,
		alert:  alert,
		cache:  make(map[string]*cacheEntry),
	}
}

// Domain exposes the signing domain for handlers that report it at open.
func (m *Machine) Domain() *crypto.Domain { return m.domain }

// Open creates a channel in active status with the given deposits.
func (m *Machine) Open(ctx context.Context, p OpenParams) (*model.Channel, error) {
	if p.Trader == p.LP {
		return nil, photonerr.New(photonerr.KindInvalidParticipant, "trader and lp must differ")
	}
	if len(p.Tokens) == 0 ||
		len(p.TraderDeposits) != len(p.Tokens) || len(p.LPDeposits) != len(p.Tokens) {
		return nil, photonerr.New(photonerr.KindInvalidDeposit,
			"deposit vectors must match token list (%d tokens)", len(p.Tokens))
	}
	deposits := make([]*model.Amount, len(p.Tokens))
	for i := range p.Tokens {
		if p.TraderDeposits[i] == nil || p.LPDeposits[i] == nil ||
			(p.TraderDeposits[i].IsZero() && p.LPDeposits[i].IsZero()) {
			return nil, photonerr.New(photonerr.KindInvalidDeposit,
				"zero deposit for token %s", p.Tokens[i].Hex())
		}
		var sum model.Amount
		if _, overflow := sum.AddOverflow(&p.TraderDeposits[i].Int, &p.LPDeposits[i].Int); overflow {
			return nil, photonerr.New(photonerr.KindInvalidDeposit,
				"deposit overflow for token %s", p.Tokens[i].Hex())
		}
		deposits[i] = &sum
	}
	if p.Timeout < m.cfg.TimeoutFloor {
		return nil, photonerr.New(photonerr.KindTimeoutTooShort,
			"timeout %s below floor %s", p.Timeout, m.cfg.TimeoutFloor)
	}

	now := time.Now()
	ch := &model.Channel{
		ID:              uuid.New().String(),
		Trader:          p.Trader,
		LP:              p.LP,
		Tokens:          append([]common.Address(nil), p.Tokens...),
		Nonce:           0,
		TraderBalances:  cloneVector(p.TraderDeposits),
		LPBalances:      cloneVector(p.LPDeposits),
		InitialDeposits: deposits,
		Status:          model.StatusActive,
		OpenedAt:        now,
		TimeoutAt:       now.Add(p.Timeout),
		LastActivity:    now,
		Requests:        make(map[uint64]*model.QuoteRequest),
		Quotes:          make(map[string]*model.LiveQuote),
		Fills:           make(map[string]uint64),
	}
	ch.LastStateHash = crypto.HashChannelState(ch.Snapshot(m.domain.ChainID))

	if err := m.store.PutChannel(ctx, ch); err != nil {
		return nil, m.escalate(ctx, ch.ID, err)
	}
	m.cachePut(ch)
	m.logger.WithFields(logrus.Fields{
		"channel": ch.ID,
		"trader":  ch.Trader.Hex(),
		"lp":      ch.LP.Hex(),
		"tokens":  len(ch.Tokens),
	}).Info("channel opened")
	return ch.Clone(), nil
}

// GetState returns the current channel record, read through the cache.
func (m *Machine) GetState(ctx context.Context, channelID string) (*model.Channel, error) {
	m.mu.Lock()
	if e, ok := m.cache[channelID]; ok {
		e.lastTouch = time.Now()
		ch := e.ch.Clone()
		m.mu.Unlock()
		return ch, nil
	}
	m.mu.Unlock()

	ch, err := m.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	m.cachePut(ch)
	return ch, nil
}

// loadAuthoritative reads the record from the store, bypassing the cache.
// Mutating operations call this inside the per-channel critical section so
// multiple coordinator instances converge on the durable copy.
func (m *Machine) loadAuthoritative(ctx context.Context, channelID string) (*model.Channel, error) {
	return m.store.GetChannel(ctx, channelID)
}

// ApplyMessage validates ordering and semantics of a pre-authenticated
// message and commits the resulting state. The caller holds the channel
// lock; shape, participant, and signature checks have already passed.
func (m *Machine) ApplyMessage(ctx context.Context, msg model.Message, payload []byte) (*model.Channel, error) {
	ch, err := m.loadAuthoritative(ctx, msg.Channel())
	if err != nil {
		return nil, err
	}

	if err := m.checkAcceptingStatus(ch, msg); err != nil {
		return nil, err
	}
	// Nonce staleness is reported ahead of timestamp staleness so a racer
	// that lost a nonce claim sees stale_nonce, not a clock artifact.
	if advancesNonce(msg) {
		if err := checkNonce(ch, msg.NonceClaim()); err != nil {
			return nil, err
		}
	}
	now := time.Now()
	if err := m.checkTimestamp(ch, msg, now); err != nil {
		return nil, err
	}

	next := ch.Clone()
	advanced, err := m.applyVariant(next, msg, now)
	if err != nil {
		return nil, err
	}
	next.LastActivity = now
	next.LastMsgTimestamp = msg.TimestampMs()
	next.LastStateHash = crypto.HashChannelState(next.Snapshot(m.domain.ChainID))

	var rec *store.MessageRecord
	if advanced {
		rec = &store.MessageRecord{
			ChannelID:  next.ID,
			Nonce:      next.Nonce,
			Type:       msg.MsgType(),
			Payload:    payload,
			ReceivedAt: now,
		}
	}
	if err := m.store.TxnPut(ctx, next, rec); err != nil {
		return nil, m.escalate(ctx, next.ID, err)
	}
	m.cachePut(next)
	return next.Clone(), nil
}

// checkAcceptingStatus enforces which statuses accept which messages:
// active accepts everything, checkpointing accepts only heartbeats.
func (m *Machine) checkAcceptingStatus(ch *model.Channel, msg model.Message) error {
	switch ch.Status {
	case model.StatusActive:
		return nil
	case model.StatusCheckpointing:
		if msg.MsgType() == model.MsgHeartbeat {
			return nil
		}
	}
	return photonerr.New(photonerr.KindWrongStatus,
		"status %s does not accept %s", ch.Status, msg.MsgType()).WithChannel(ch.ID, msg.NonceClaim())
}

// checkTimestamp enforces monotonicity and the configured skew window.
func (m *Machine) checkTimestamp(ch *model.Channel, msg model.Message, now time.Time) error {
	ts := msg.TimestampMs()
	if ts <= ch.LastMsgTimestamp {
		return photonerr.New(photonerr.KindStaleTimestamp,
			"timestamp %d not after %d", ts, ch.LastMsgTimestamp).WithChannel(ch.ID, msg.NonceClaim())
	}
	skew := m.cfg.SkewWindow
	msgTime := time.UnixMilli(int64(ts))
	if msgTime.Before(now.Add(-skew)) || msgTime.After(now.Add(skew)) {
		return photonerr.New(photonerr.KindStaleTimestamp,
			"timestamp %d outside skew window %s", ts, skew).WithChannel(ch.ID, msg.NonceClaim())
	}
	return nil
}

// advancesNonce reports whether the variant consumes a channel nonce.
// Quotes correlate via request_nonce and heartbeats are liveness only.
func advancesNonce(msg model.Message) bool {
	switch msg.MsgType() {
	case model.MsgQuoteRequest, model.MsgFill, model.MsgCancel, model.MsgReplace:
		return true
	}
	return false
}

// checkNonce enforces strict nonce progression for trading messages.
func checkNonce(ch *model.Channel, claim uint64) error {
	if claim <= ch.Nonce {
		return photonerr.New(photonerr.KindStaleNonce,
			"nonce %d not after %d", claim, ch.Nonce).WithChannel(ch.ID, claim)
	}
	return nil
}

// applyVariant mutates next in place and reports whether the nonce
// advanced. The union is matched exhaustively.
func (m *Machine) applyVariant(next *model.Channel, msg model.Message, now time.Time) (bool, error) {
	switch v := msg.(type) {
	case *model.QuoteRequest:
		if err := checkNonce(next, v.Nonce); err != nil {
			return false, err
		}
		if err := checkTokenPair(next, v); err != nil {
			return false, err
		}
		next.Nonce = v.Nonce
		next.Requests[v.Nonce] = v
		return true, nil

	case *model.Quote:
		return false, m.applyQuote(next, v, now)

	case *model.Fill:
		if err := checkNonce(next, v.Nonce); err != nil {
			return false, err
		}
		if err := m.applyFill(next, v, now); err != nil {
			return false, err
		}
		next.Nonce = v.Nonce
		return true, nil

	case *model.Cancel:
		if err := checkNonce(next, v.Nonce); err != nil {
			return false, err
		}
		if err := cancelQuote(next, v.QuoteID, v.Nonce); err != nil {
			return false, err
		}
		next.Nonce = v.Nonce
		return true, nil

	case *model.Replace:
		// All-or-nothing: both halves are validated before either is
		// applied, so a bad replacement leaves the old quote live and
		// consumes no nonce.
		if err := checkNonce(next, v.Nonce); err != nil {
			return false, err
		}
		if err := checkQuoteLive(next, v.OriginalQuoteID, v.Nonce); err != nil {
			return false, err
		}
		if err := checkTokenPair(next, &v.NewQuoteRequest); err != nil {
			return false, err
		}
		if err := cancelQuote(next, v.OriginalQuoteID, v.Nonce); err != nil {
			return false, err
		}
		req := v.NewQuoteRequest
		req.Nonce = v.Nonce
		next.Requests[v.Nonce] = &req
		next.Nonce = v.Nonce
		return true, nil

	case *model.Heartbeat:
		// Liveness only: no nonce progression.
		return false, nil
	}
	return false, photonerr.New(photonerr.KindShape, "unknown message variant %T", msg)
}

// applyQuote records an LP quote against an open request.
func (m *Machine) applyQuote(next *model.Channel, q *model.Quote, now time.Time) error {
	if _, ok := next.Requests[q.RequestNonce]; !ok {
		return photonerr.New(photonerr.KindQuoteNotFound,
			"no open quote request at nonce %d", q.RequestNonce).WithChannel(next.ID, q.RequestNonce)
	}
	if q.ExpiryTimestamp <= uint64(now.UnixMilli()) {
		return photonerr.New(photonerr.KindQuoteExpired,
			"quote expires at %d, already past", q.ExpiryTimestamp).WithChannel(next.ID, q.RequestNonce)
	}
	next.Quotes[q.QuoteID] = &model.LiveQuote{Quote: *q, PlacedAt: now}
	return nil
}

func checkQuoteLive(ch *model.Channel, quoteID string, nonce uint64) error {
	lq, ok := ch.Quotes[quoteID]
	if !ok {
		return photonerr.New(photonerr.KindQuoteNotFound, "quote %s", quoteID).WithChannel(ch.ID, nonce)
	}
	if lq.FilledBy != "" {
		return photonerr.New(photonerr.KindAlreadyFilled,
			"quote %s consumed by fill %s", quoteID, lq.FilledBy).WithChannel(ch.ID, nonce)
	}
	return nil
}

func checkTokenPair(ch *model.Channel, req *model.QuoteRequest) error {
	if ch.TokenIndex(req.BaseToken) < 0 || ch.TokenIndex(req.QuoteToken) < 0 || req.BaseToken == req.QuoteToken {
		return photonerr.New(photonerr.KindInvariantViolation,
			"token pair %s/%s not held by channel", req.BaseToken.Hex(), req.QuoteToken.Hex()).WithChannel(ch.ID, req.Nonce)
	}
	return nil
}

func cancelQuote(ch *model.Channel, quoteID string, nonce uint64) error {
	if err := checkQuoteLive(ch, quoteID, nonce); err != nil {
		return err
	}
	delete(ch.Quotes, quoteID)
	return nil
}

// RequestCheckpoint verifies a dual-signed state at the channel's current
// nonce, records it, and moves the channel through checkpointing back to
// active. The caller holds the channel lock.
func (m *Machine) RequestCheckpoint(ctx context.Context, state *model.ChannelState, traderSig, lpSig []byte) (*model.Checkpoint, error) {
	ch, err := m.loadAuthoritative(ctx, state.ChannelID)
	if err != nil {
		return nil, err
	}
	if !canTransition(ch.Status, model.StatusCheckpointing) {
		return nil, photonerr.New(photonerr.KindWrongStatus,
			"cannot checkpoint from %s", ch.Status).WithChannel(ch.ID, state.Nonce)
	}
	if err := m.verifyDualSigned(ch, state, traderSig, lpSig); err != nil {
		return nil, err
	}
	if state.Nonce != ch.Nonce {
		return nil, photonerr.New(photonerr.KindStaleNonce,
			"checkpoint nonce %d, channel at %d", state.Nonce, ch.Nonce).WithChannel(ch.ID, state.Nonce)
	}

	now := time.Now()
	stateHash := crypto.HashChannelState(state)
	cp := &model.Checkpoint{
		ChannelID: ch.ID,
		Nonce:     state.Nonce,
		StateHash: stateHash,
		TraderSig: traderSig,
		LPSig:     lpSig,
		CreatedAt: now,
	}

	next := ch.Clone()
	next.Status = model.StatusCheckpointing
	next.LastStateHash = stateHash
	next.LastActivity = now
	if err := m.store.PutChannel(ctx, next); err != nil {
		return nil, m.escalate(ctx, next.ID, err)
	}
	if err := m.store.PutCheckpoint(ctx, cp); err != nil {
		return nil, m.escalate(ctx, next.ID, err)
	}

	// Commit is internal: recording the checkpoint completes the round
	// trip and the channel returns to active.
	next.Status = model.StatusActive
	next.LastCheckpointAt = now
	if err := m.store.PutChannel(ctx, next); err != nil {
		return nil, m.escalate(ctx, next.ID, err)
	}
	m.cachePut(next)
	m.logger.WithFields(logrus.Fields{"channel": ch.ID, "nonce": state.Nonce}).Info("checkpoint recorded")
	return cp, nil
}

// Close verifies a dual-signed final state and moves the channel to
// settling. The settlement driver takes over from there.
func (m *Machine) Close(ctx context.Context, state *model.ChannelState, traderSig, lpSig []byte) (*model.SettlementRequest, error) {
	ch, err := m.loadAuthoritative(ctx, state.ChannelID)
	if err != nil {
		return nil, err
	}
	if !canTransition(ch.Status, model.StatusSettling) {
		return nil, photonerr.New(photonerr.KindWrongStatus,
			"cannot close from %s", ch.Status).WithChannel(ch.ID, state.Nonce)
	}
	if err := m.verifyDualSigned(ch, state, traderSig, lpSig); err != nil {
		return nil, err
	}
	if state.Nonce < ch.Nonce {
		return nil, photonerr.New(photonerr.KindStaleNonce,
			"final state nonce %d behind channel nonce %d", state.Nonce, ch.Nonce).WithChannel(ch.ID, state.Nonce)
	}

	now := time.Now()
	sr := &model.SettlementRequest{
		ChannelID:  ch.ID,
		FinalState: state,
		TraderSig:  traderSig,
		LPSig:      lpSig,
		Status:     model.SubmissionPending,
		UpdatedAt:  now,
	}
	next := ch.Clone()
	next.Status = model.StatusSettling
	next.LastStateHash = crypto.HashChannelState(state)
	next.LastActivity = now
	if err := m.store.PutSettlement(ctx, sr); err != nil {
		return nil, m.escalate(ctx, next.ID, err)
	}
	if err := m.store.PutChannel(ctx, next); err != nil {
		return nil, m.escalate(ctx, next.ID, err)
	}
	m.cachePut(next)
	m.logger.WithFields(logrus.Fields{"channel": ch.ID, "nonce": state.Nonce}).Info("channel settling")
	return sr, nil
}

// VerifyDualSigned loads the channel and checks a dual-signed state
// against it. Used by the settlement driver when staging dispute states.
func (m *Machine) VerifyDualSigned(ctx context.Context, state *model.ChannelState, traderSig, lpSig []byte) error {
	ch, err := m.loadAuthoritative(ctx, state.ChannelID)
	if err != nil {
		return err
	}
	return m.verifyDualSigned(ch, state, traderSig, lpSig)
}

// verifyDualSigned checks channel identity, participants, and both
// signatures over the submitted state.
func (m *Machine) verifyDualSigned(ch *model.Channel, state *model.ChannelState, traderSig, lpSig []byte) error {
	if state.ChannelID != ch.ID || state.Trader != ch.Trader || state.LP != ch.LP || state.ChainID != m.domain.ChainID {
		return photonerr.New(photonerr.KindInvariantViolation,
			"state identity mismatch").WithChannel(ch.ID, state.Nonce)
	}
	if len(state.TraderBalances) != len(ch.Tokens) || len(state.LPBalances) != len(ch.Tokens) {
		return photonerr.New(photonerr.KindInvariantViolation,
			"balance vectors must cover %d tokens", len(ch.Tokens)).WithChannel(ch.ID, state.Nonce)
	}
	structHash := crypto.HashChannelState(state)
	if err := crypto.VerifySigner(m.domain, structHash, traderSig, ch.Trader); err != nil {
		return photonerr.Wrap(photonerr.KindBadSignature, err, "trader signature").WithChannel(ch.ID, state.Nonce)
	}
	if err := crypto.VerifySigner(m.domain, structHash, lpSig, ch.LP); err != nil {
		return photonerr.Wrap(photonerr.KindBadSignature, err, "lp signature").WithChannel(ch.ID, state.Nonce)
	}
	return nil
}

// MarkTimedOut transitions a channel past its deadline to timed_out.
func (m *Machine) MarkTimedOut(ctx context.Context, channelID string) error {
	return m.markStatus(ctx, channelID, model.StatusTimedOut, "channel timed out")
}

// MarkExpired retires a timed-out channel after the dispute grace period.
func (m *Machine) MarkExpired(ctx context.Context, channelID string) error {
	return m.markStatus(ctx, channelID, model.StatusExpired, "channel expired")
}

// MarkDisputed freezes a channel pending operator resolution.
func (m *Machine) MarkDisputed(ctx context.Context, channelID, reason string) error {
	if err := m.markStatus(ctx, channelID, model.StatusDisputed, reason); err != nil {
		return err
	}
	m.alert(channelID, reason)
	return nil
}

// MarkClosed finalizes a settled channel once submission is confirmed.
func (m *Machine) MarkClosed(ctx context.Context, channelID string) error {
	return m.markStatus(ctx, channelID, model.StatusClosed, "settlement confirmed")
}

// MarkSettling moves a disputed channel back onto the settlement path
// after operator resolution.
func (m *Machine) MarkSettling(ctx context.Context, channelID string) error {
	return m.markStatus(ctx, channelID, model.StatusSettling, "dispute resolved")
}

func (m *Machine) markStatus(ctx context.Context, channelID string, to model.Status, reason string) error {
	ch, err := m.loadAuthoritative(ctx, channelID)
	if err != nil {
		return err
	}
	if ch.Status == to {
		return nil // idempotent
	}
	if !canTransition(ch.Status, to) {
		return photonerr.New(photonerr.KindWrongStatus,
			"cannot move %s -> %s", ch.Status, to).WithChannel(channelID, ch.Nonce)
	}
	next := ch.Clone()
	next.Status = to
	next.LastActivity = time.Now()
	if err := m.store.PutChannel(ctx, next); err != nil {
		return m.escalate(ctx, channelID, err)
	}
	if to.Terminal() {
		m.cacheEvict(channelID)
	} else {
		m.cachePut(next)
	}
	m.logger.WithFields(logrus.Fields{"channel": channelID, "status": to}).Info(reason)
	return nil
}

// escalate handles store exhaustion: the channel is marked disputed
// directly against the store and operators are alerted.
func (m *Machine) escalate(ctx context.Context, channelID string, err error) error {
	if photonerr.KindOf(err) != photonerr.KindStore {
		return err
	}
	m.logger.WithError(err).WithField("channel", channelID).Error("store retries exhausted")
	m.cacheEvict(channelID)
	if ch, gerr := m.store.GetChannel(ctx, channelID); gerr == nil && canTransition(ch.Status, model.StatusDisputed) {
		next := ch.Clone()
		next.Status = model.StatusDisputed
		if perr := m.store.PutChannel(ctx, next); perr != nil {
			m.logger.WithError(perr).WithField("channel", channelID).Error("failed to mark disputed")
		}
	}
	m.alert(channelID, fmt.Sprintf("store failure: %v", err))
	return err
}

func (m *Machine) cachePut(ch *model.Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch.Status.Terminal() {
		delete(m.cache, ch.ID)
		return
	}
	m.cache[ch.ID] = &cacheEntry{ch: ch.Clone(), lastTouch: time.Now()}
}

func (m *Machine) cacheEvict(channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, channelID)
}

// EvictIdle drops cache entries untouched for longer than the configured
// idle period. Called by the sweeper; the durable record is unaffected.
func (m *Machine) EvictIdle(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for id, e := range m.cache {
		if now.Sub(e.lastTouch) > m.cfg.CacheIdleEviction {
			delete(m.cache, id)
			evicted++
		}
	}
	return evicted
}

func cloneVector(in []*model.Amount) []*model.Amount {
	out := make([]*model.Amount, len(in))
	for i, a := range in {
		out[i] = a.Clone()
	}
	return out
}
