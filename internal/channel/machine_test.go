package channel

import (
	"context"
	"crypto/ecdsa"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"github.com/ChikamsoChidebe/Photonx/configs"
	"github.com/ChikamsoChidebe/Photonx/internal/crypto"
	"github.com/ChikamsoChidebe/Photonx/internal/model"
	"github.com/ChikamsoChidebe/Photonx/internal/photonerr"
	"github.com/ChikamsoChidebe/Photonx/internal/store"
)

func testConfig() configs.ChannelConfig {
	return configs.ChannelConfig{
		QuoteExpiry:       30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		TimeoutFloor:      time.Millisecond,
		DisputeWindow:     time.Hour,
		SkewWindow:        30 * time.Second,
		CacheIdleEviction: time.Hour,
		MaxSlippageBps:    1000,
		MaxFeeBps:         500,
	}
}

type fixture struct {
	t         *testing.T
	m         *Machine
	st        *store.MemoryStore
	domain    *crypto.Domain
	traderKey *ecdsa.PrivateKey
	lpKey     *ecdsa.PrivateKey
	trader    common.Address
	lp        common.Address
	usdc      common.Address
	weth      common.Address
	ch        *model.Channel
	ts        uint64
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	traderKey, err := gethcrypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	lpKey, err := gethcrypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		t:         t,
		st:        store.NewMemoryStore(),
		domain:    crypto.NewDomain(1, common.HexToAddress("0x00000000000000000000000000000000000000cc")),
		traderKey: traderKey,
		lpKey:     lpKey,
		trader:    gethcrypto.PubkeyToAddress(traderKey.PublicKey),
		lp:        gethcrypto.PubkeyToAddress(lpKey.PublicKey),
		usdc:      common.HexToAddress("0x0000000000000000000000000000000000000011"),
		weth:      common.HexToAddress("0x0000000000000000000000000000000000000022"),
		ts:        uint64(time.Now().UnixMilli()),
	}
	f.m = NewMachine(f.st, f.domain, testConfig(), logger, nil)

	ch, err := f.m.Open(context.Background(), OpenParams{
		Trader: f.trader,
		LP:     f.lp,
		Tokens: []common.Address{f.usdc, f.weth},
		TraderDeposits: []*model.Amount{
			model.MustAmount("1000000000000000000000"), // 1000e18 usdc
			model.MustAmount("0"),
		},
		LPDeposits: []*model.Amount{
			model.MustAmount("0"),
			model.MustAmount("1000000000000000000"), // 1e18 weth
		},
		Timeout: timeout,
	})
	if err != nil {
		t.Fatal(err)
	}
	f.ch = ch
	return f
}

func (f *fixture) nextTS() uint64 {
	f.ts++
	return f.ts
}

func (f *fixture) apply(msg model.Message) (*model.Channel, error) {
	return f.m.ApplyMessage(context.Background(), msg, []byte("{}"))
}

func (f *fixture) request(nonce uint64, qty string) *model.QuoteRequest {
	return &model.QuoteRequest{
		ChannelID:      f.ch.ID,
		Nonce:          nonce,
		Side:           model.SideBuy,
		BaseToken:      f.weth,
		QuoteToken:     f.usdc,
		Quantity:       model.MustAmount(qty),
		MaxSlippageBps: 50,
		Timestamp:      f.nextTS(),
		Trader:         f.trader,
	}
}

func (f *fixture) quote(id string, reqNonce uint64, price, qty string) *model.Quote {
	return &model.Quote{
		ChannelID:       f.ch.ID,
		QuoteID:         id,
		RequestNonce:    reqNonce,
		Price:           model.MustAmount(price),
		Quantity:        model.MustAmount(qty),
		Side:            model.SideBuy,
		ExpiryTimestamp: uint64(time.Now().Add(30 * time.Second).UnixMilli()),
		LpFeeBps:        30,
		Timestamp:       f.nextTS(),
		LP:              f.lp,
	}
}

func (f *fixture) fill(quoteID, fillID string, nonce uint64, qty, price string) *model.Fill {
	return &model.Fill{
		ChannelID: f.ch.ID,
		QuoteID:   quoteID,
		FillID:    fillID,
		Nonce:     nonce,
		Quantity:  model.MustAmount(qty),
		Price:     model.MustAmount(price),
		Timestamp: f.nextTS(),
		Trader:    f.trader,
		LP:        f.lp,
	}
}

// dualSign produces both signatures over a state snapshot.
func (f *fixture) dualSign(state *model.ChannelState) (traderSig, lpSig []byte) {
	f.t.Helper()
	structHash := crypto.HashChannelState(state)
	traderSig, err := crypto.Sign(f.domain, structHash, f.traderKey)
	if err != nil {
		f.t.Fatal(err)
	}
	lpSig, err = crypto.Sign(f.domain, structHash, f.lpKey)
	if err != nil {
		f.t.Fatal(err)
	}
	return traderSig, lpSig
}

// tradeToNonce2 runs request(1) -> quote -> fill(2), the happy-path trade.
func (f *fixture) tradeToNonce2() *model.Channel {
	f.t.Helper()
	if _, err := f.apply(f.request(1, "500000000000000000")); err != nil {
		f.t.Fatal(err)
	}
	if _, err := f.apply(f.quote("Q1", 1, "2000000000000000000000", "500000000000000000")); err != nil {
		f.t.Fatal(err)
	}
	ch, err := f.apply(f.fill("Q1", "F1", 2, "500000000000000000", "2000000000000000000000"))
	if err != nil {
		f.t.Fatal(err)
	}
	return ch
}

func TestOpenValidation(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	m := NewMachine(store.NewMemoryStore(), crypto.NewDomain(1, common.Address{}), testConfig(), logger, nil)
	addr1 := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa01")
	addr2 := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb02")
	token := common.HexToAddress("0x11")

	tests := []struct {
		name   string
		params OpenParams
		kind   photonerr.Kind
	}{
		{
			name: "trader equals lp",
			params: OpenParams{
				Trader: addr1, LP: addr1,
				Tokens:         []common.Address{token},
				TraderDeposits: []*model.Amount{model.MustAmount("1")},
				LPDeposits:     []*model.Amount{model.MustAmount("1")},
				Timeout:        time.Hour,
			},
			kind: photonerr.KindInvalidParticipant,
		},
		{
			name: "zero deposit",
			params: OpenParams{
				Trader: addr1, LP: addr2,
				Tokens:         []common.Address{token},
				TraderDeposits: []*model.Amount{model.MustAmount("0")},
				LPDeposits:     []*model.Amount{model.MustAmount("0")},
				Timeout:        time.Hour,
			},
			kind: photonerr.KindInvalidDeposit,
		},
		{
			name: "timeout below floor",
			params: OpenParams{
				Trader: addr1, LP: addr2,
				Tokens:         []common.Address{token},
				TraderDeposits: []*model.Amount{model.MustAmount("1")},
				LPDeposits:     []*model.Amount{model.MustAmount("1")},
				Timeout:        time.Nanosecond,
			},
			kind: photonerr.KindTimeoutTooShort,
		},
		{
			name: "mismatched vectors",
			params: OpenParams{
				Trader: addr1, LP: addr2,
				Tokens:         []common.Address{token},
				TraderDeposits: []*model.Amount{},
				LPDeposits:     []*model.Amount{model.MustAmount("1")},
				Timeout:        time.Hour,
			},
			kind: photonerr.KindInvalidDeposit,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Open(context.Background(), tt.params)
			if !photonerr.Is(err, tt.kind) {
				t.Errorf("expected %s, got %v", tt.kind, err)
			}
		})
	}
}

func TestTradeLifecycle(t *testing.T) {
	f := newFixture(t, time.Hour)
	ch := f.tradeToNonce2()

	if ch.Nonce != 2 {
		t.Fatalf("expected nonce 2, got %d", ch.Nonce)
	}
	// Post-fill balances: trader swapped all usdc for half the weth.
	checks := []struct {
		name string
		got  *model.Amount
		want string
	}{
		{"trader usdc", ch.TraderBalances[0], "0"},
		{"trader weth", ch.TraderBalances[1], "500000000000000000"},
		{"lp usdc", ch.LPBalances[0], "1000000000000000000000"},
		{"lp weth", ch.LPBalances[1], "500000000000000000"},
	}
	for _, c := range checks {
		if c.got.Dec() != c.want {
			t.Errorf("%s: got %s, want %s", c.name, c.got.Dec(), c.want)
		}
	}

	// Close at nonce 3 with a dual-signed final state.
	state := ch.Snapshot(f.domain.ChainID)
	state.Nonce = 3
	traderSig, lpSig := f.dualSign(state)
	sr, err := f.m.Close(context.Background(), state, traderSig, lpSig)
	if err != nil {
		t.Fatal(err)
	}
	if sr.Status != model.SubmissionPending {
		t.Errorf("expected pending settlement, got %s", sr.Status)
	}
	got, err := f.m.GetState(context.Background(), ch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusSettling {
		t.Errorf("expected settling, got %s", got.Status)
	}
}

func TestStaleNonceRejected(t *testing.T) {
	f := newFixture(t, time.Hour)
	ch := f.tradeToNonce2()

	// Resubmitting the original request must fail and change nothing.
	replay := f.request(1, "500000000000000000")
	_, err := f.apply(replay)
	if !photonerr.Is(err, photonerr.KindStaleNonce) {
		t.Fatalf("expected stale_nonce, got %v", err)
	}
	got, err := f.m.GetState(context.Background(), ch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Nonce != 2 {
		t.Errorf("state changed by rejected replay: nonce %d", got.Nonce)
	}
	if got.LastStateHash != ch.LastStateHash {
		t.Error("state hash changed by rejected replay")
	}
}

func TestFillReplayRejected(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.tradeToNonce2()

	_, err := f.apply(f.fill("Q1", "F1", 3, "1", "2000000000000000000000"))
	if !photonerr.Is(err, photonerr.KindAlreadyFilled) {
		t.Fatalf("expected already_filled, got %v", err)
	}
}

func TestConservation(t *testing.T) {
	f := newFixture(t, time.Hour)
	ch := f.tradeToNonce2()

	for i := range ch.Tokens {
		var sum model.Amount
		sum.Add(&ch.TraderBalances[i].Int, &ch.LPBalances[i].Int)
		if sum.Cmp(&ch.InitialDeposits[i].Int) != 0 {
			t.Errorf("token %d: sum %s != deposits %s", i, sum.Dec(), ch.InitialDeposits[i].Dec())
		}
	}
}

func TestInsufficientBalance(t *testing.T) {
	f := newFixture(t, time.Hour)
	if _, err := f.apply(f.request(1, "600000000000000000")); err != nil {
		t.Fatal(err)
	}
	// Price makes the cost exceed the trader's quote balance.
	if _, err := f.apply(f.quote("Q1", 1, "4000000000000000000000", "600000000000000000")); err != nil {
		t.Fatal(err)
	}
	_, err := f.apply(f.fill("Q1", "F1", 2, "600000000000000000", "4000000000000000000000"))
	if !photonerr.Is(err, photonerr.KindInsufficientBalance) {
		t.Fatalf("expected insufficient_balance, got %v", err)
	}

	// The failed fill must not consume the quote.
	got, err := f.m.GetState(context.Background(), f.ch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Nonce != 1 {
		t.Errorf("nonce advanced by failed fill: %d", got.Nonce)
	}
	if lq, ok := got.Quotes["Q1"]; !ok || lq.FilledBy != "" {
		t.Error("quote consumed by failed fill")
	}
}

func TestQuoteExpiredRejected(t *testing.T) {
	f := newFixture(t, time.Hour)
	if _, err := f.apply(f.request(1, "1000")); err != nil {
		t.Fatal(err)
	}
	q := f.quote("Q1", 1, "1000", "1000")
	q.ExpiryTimestamp = uint64(time.Now().Add(-time.Second).UnixMilli())
	_, err := f.apply(q)
	if !photonerr.Is(err, photonerr.KindQuoteExpired) {
		t.Fatalf("expected quote_expired, got %v", err)
	}
}

func TestCancelRemovesQuote(t *testing.T) {
	f := newFixture(t, time.Hour)
	if _, err := f.apply(f.request(1, "1000")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.apply(f.quote("Q1", 1, "1000", "1000")); err != nil {
		t.Fatal(err)
	}
	ch, err := f.apply(&model.Cancel{
		ChannelID: f.ch.ID, QuoteID: "Q1", Nonce: 2, Timestamp: f.nextTS(), Trader: f.trader,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, live := ch.Quotes["Q1"]; live {
		t.Error("quote still live after cancel")
	}

	// Filling a cancelled quote fails.
	_, err = f.apply(f.fill("Q1", "F1", 3, "1000", "1000"))
	if !photonerr.Is(err, photonerr.KindQuoteNotFound) {
		t.Fatalf("expected quote_not_found, got %v", err)
	}
}

func TestReplaceAllOrNothing(t *testing.T) {
	f := newFixture(t, time.Hour)
	if _, err := f.apply(f.request(1, "1000")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.apply(f.quote("Q1", 1, "1000", "1000")); err != nil {
		t.Fatal(err)
	}

	// Replacement whose inner request names a token the channel does not
	// hold: the old quote stays live and no nonce is consumed.
	bad := &model.Replace{
		ChannelID:       f.ch.ID,
		OriginalQuoteID: "Q1",
		NewQuoteRequest: model.QuoteRequest{
			ChannelID:  f.ch.ID,
			Side:       model.SideBuy,
			BaseToken:  common.HexToAddress("0xdead"),
			QuoteToken: f.usdc,
			Quantity:   model.MustAmount("1"),
			Timestamp:  f.nextTS(),
			Trader:     f.trader,
		},
		Nonce:     2,
		Timestamp: f.nextTS(),
		Trader:    f.trader,
	}
	_, err := f.apply(bad)
	if !photonerr.Is(err, photonerr.KindInvariantViolation) {
		t.Fatalf("expected invariant_violation, got %v", err)
	}
	got, err := f.m.GetState(context.Background(), f.ch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Nonce != 1 {
		t.Errorf("nonce consumed by failed replace: %d", got.Nonce)
	}
	if _, live := got.Quotes["Q1"]; !live {
		t.Error("original quote lost by failed replace")
	}

	// A valid replace cancels the quote and opens a fresh request.
	good := &model.Replace{
		ChannelID:       f.ch.ID,
		OriginalQuoteID: "Q1",
		NewQuoteRequest: model.QuoteRequest{
			ChannelID:  f.ch.ID,
			Side:       model.SideSell,
			BaseToken:  f.weth,
			QuoteToken: f.usdc,
			Quantity:   model.MustAmount("2000"),
			Timestamp:  f.nextTS(),
			Trader:     f.trader,
		},
		Nonce:     2,
		Timestamp: f.nextTS(),
		Trader:    f.trader,
	}
	ch, err := f.apply(good)
	if err != nil {
		t.Fatal(err)
	}
	if ch.Nonce != 2 {
		t.Errorf("expected nonce 2, got %d", ch.Nonce)
	}
	if _, live := ch.Quotes["Q1"]; live {
		t.Error("original quote survived replace")
	}
	if _, open := ch.Requests[2]; !open {
		t.Error("replacement request not recorded")
	}
}

func TestHeartbeatRefreshesWithoutNonce(t *testing.T) {
	f := newFixture(t, time.Hour)
	before, err := f.m.GetState(context.Background(), f.ch.ID)
	if err != nil {
		t.Fatal(err)
	}
	ch, err := f.apply(&model.Heartbeat{
		ChannelID: f.ch.ID, Nonce: 0, Timestamp: f.nextTS(), Sender: f.trader,
	})
	if err != nil {
		t.Fatal(err)
	}
	if ch.Nonce != before.Nonce {
		t.Errorf("heartbeat advanced nonce to %d", ch.Nonce)
	}
	if !ch.LastActivity.After(before.LastActivity) && !ch.LastActivity.Equal(before.LastActivity) {
		t.Error("heartbeat did not refresh activity")
	}
}

func TestTimestampSkewRejected(t *testing.T) {
	f := newFixture(t, time.Hour)
	req := f.request(1, "1000")
	req.Timestamp = uint64(time.Now().Add(-time.Hour).UnixMilli())
	_, err := f.apply(req)
	if !photonerr.Is(err, photonerr.KindStaleTimestamp) {
		t.Fatalf("expected stale_timestamp, got %v", err)
	}
}

func TestTimeoutPath(t *testing.T) {
	f := newFixture(t, time.Hour)
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	sweeper := NewSweeper(f.m, time.Millisecond, logger)

	// Before the deadline nothing changes.
	sweeper.Sweep(context.Background(), time.Now())
	got, err := f.m.GetState(context.Background(), f.ch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusActive {
		t.Fatalf("expected active before deadline, got %s", got.Status)
	}

	sweeper.Sweep(context.Background(), time.Now().Add(2*time.Hour))
	got, err = f.m.GetState(context.Background(), f.ch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusTimedOut {
		t.Fatalf("expected timed_out, got %s", got.Status)
	}

	// Messages fail with wrong_status.
	_, err = f.apply(f.request(1, "1000"))
	if !photonerr.Is(err, photonerr.KindWrongStatus) {
		t.Fatalf("expected wrong_status, got %v", err)
	}

	// After the dispute window the channel expires.
	sweeper.Sweep(context.Background(), time.Now().Add(3*time.Hour))
	got, err = f.m.GetState(context.Background(), f.ch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusExpired {
		t.Fatalf("expected expired, got %s", got.Status)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	f := newFixture(t, time.Hour)
	ch := f.tradeToNonce2()

	state := ch.Snapshot(f.domain.ChainID)
	traderSig, lpSig := f.dualSign(state)
	cp, err := f.m.RequestCheckpoint(context.Background(), state, traderSig, lpSig)
	if err != nil {
		t.Fatal(err)
	}
	if cp.Nonce != 2 {
		t.Errorf("expected checkpoint at nonce 2, got %d", cp.Nonce)
	}
	if cp.StateHash != crypto.HashChannelState(state) {
		t.Error("checkpoint hash does not match recomputed state hash")
	}

	got, err := f.m.GetState(context.Background(), ch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusActive {
		t.Errorf("expected active after checkpoint commit, got %s", got.Status)
	}
	if got.LastCheckpointAt.IsZero() {
		t.Error("last_checkpoint_at not set")
	}
	if got.LastStateHash != cp.StateHash {
		t.Error("last_state_hash not updated")
	}
}

func TestCheckpointRejectsWrongNonce(t *testing.T) {
	f := newFixture(t, time.Hour)
	ch := f.tradeToNonce2()

	state := ch.Snapshot(f.domain.ChainID)
	state.Nonce = 1
	traderSig, lpSig := f.dualSign(state)
	_, err := f.m.RequestCheckpoint(context.Background(), state, traderSig, lpSig)
	if !photonerr.Is(err, photonerr.KindStaleNonce) {
		t.Fatalf("expected stale_nonce, got %v", err)
	}
}

func TestCloseRejectsBadSignature(t *testing.T) {
	f := newFixture(t, time.Hour)
	ch := f.tradeToNonce2()

	state := ch.Snapshot(f.domain.ChainID)
	state.Nonce = 3
	_, lpSig := f.dualSign(state)

	// The trader slot signed by the LP key must be rejected.
	_, err := f.m.Close(context.Background(), state, lpSig, lpSig)
	if !photonerr.Is(err, photonerr.KindBadSignature) {
		t.Fatalf("expected bad_signature, got %v", err)
	}
}

func TestTerminalChannelImmutable(t *testing.T) {
	f := newFixture(t, time.Hour)
	ch := f.tradeToNonce2()

	state := ch.Snapshot(f.domain.ChainID)
	state.Nonce = 3
	traderSig, lpSig := f.dualSign(state)
	if _, err := f.m.Close(context.Background(), state, traderSig, lpSig); err != nil {
		t.Fatal(err)
	}
	if err := f.m.MarkClosed(context.Background(), ch.ID); err != nil {
		t.Fatal(err)
	}

	if err := f.m.MarkTimedOut(context.Background(), ch.ID); !photonerr.Is(err, photonerr.KindWrongStatus) {
		t.Errorf("closed channel accepted a transition: %v", err)
	}
	_, err := f.apply(f.request(5, "1"))
	if !photonerr.Is(err, photonerr.KindWrongStatus) {
		t.Errorf("closed channel accepted a message: %v", err)
	}
}
