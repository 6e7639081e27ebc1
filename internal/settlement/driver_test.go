package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"github.com/ChikamsoChidebe/Photonx/configs"
	"github.com/ChikamsoChidebe/Photonx/internal/channel"
	"github.com/ChikamsoChidebe/Photonx/internal/crypto"
	"github.com/ChikamsoChidebe/Photonx/internal/model"
	"github.com/ChikamsoChidebe/Photonx/internal/store"
)

// failSubmitter fails settlement submissions until remaining hits zero.
type failSubmitter struct {
	NopSubmitter
	mu        sync.Mutex
	remaining int
}

func (f *failSubmitter) SubmitSettlement(ctx context.Context, sr *model.SettlementRequest) error {
	f.mu.Lock()
	fail := f.remaining != 0
	if f.remaining > 0 {
		f.remaining--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("rpc endpoint unreachable")
	}
	return f.NopSubmitter.SubmitSettlement(ctx, sr)
}

type driverFixture struct {
	t         *testing.T
	d         *Driver
	m         *channel.Machine
	st        *store.MemoryStore
	domain    *crypto.Domain
	traderKey *ecdsa.PrivateKey
	lpKey     *ecdsa.PrivateKey
	ch         *model.Channel
	alertCount func() int
}

func newDriverFixture(t *testing.T, sub Submitter, maxAttempts int) *driverFixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	traderKey, _ := gethcrypto.GenerateKey()
	lpKey, _ := gethcrypto.GenerateKey()
	domain := crypto.NewDomain(1, common.HexToAddress("0x00000000000000000000000000000000000000cc"))

	st := store.NewMemoryStore()
	chCfg := configs.ChannelConfig{
		TimeoutFloor:      time.Millisecond,
		DisputeWindow:     time.Hour,
		SkewWindow:        30 * time.Second,
		CacheIdleEviction: time.Hour,
		MaxSlippageBps:    1000,
		MaxFeeBps:         500,
	}
	var alerts []string
	var alertsMu sync.Mutex
	alert := func(channelID, reason string) {
		alertsMu.Lock()
		alerts = append(alerts, reason)
		alertsMu.Unlock()
	}
	m := channel.NewMachine(st, domain, chCfg, logger, alert)

	d := NewDriver(m, st, sub, configs.SettlementConfig{
		BatchSize:         2,
		BatchAge:          time.Hour,
		SubmitMaxAttempts: maxAttempts,
	}, logger, alert)
	d.backoffBase = time.Millisecond

	ch, err := m.Open(context.Background(), channel.OpenParams{
		Trader: gethcrypto.PubkeyToAddress(traderKey.PublicKey),
		LP:     gethcrypto.PubkeyToAddress(lpKey.PublicKey),
		Tokens: []common.Address{common.HexToAddress("0x11")},
		TraderDeposits: []*model.Amount{model.MustAmount("100")},
		LPDeposits:     []*model.Amount{model.MustAmount("100")},
		Timeout:        time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &driverFixture{
		t: t, d: d, m: m, st: st, domain: domain,
		traderKey: traderKey, lpKey: lpKey, ch: ch,
		alertCount: func() int {
			alertsMu.Lock()
			defer alertsMu.Unlock()
			return len(alerts)
		},
	}
}

func (f *driverFixture) signedState(nonce uint64) (*model.ChannelState, []byte, []byte) {
	f.t.Helper()
	state := f.ch.Snapshot(f.domain.ChainID)
	state.Nonce = nonce
	structHash := crypto.HashChannelState(state)
	traderSig, err := crypto.Sign(f.domain, structHash, f.traderKey)
	if err != nil {
		f.t.Fatal(err)
	}
	lpSig, err := crypto.Sign(f.domain, structHash, f.lpKey)
	if err != nil {
		f.t.Fatal(err)
	}
	return state, traderSig, lpSig
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (f *driverFixture) settlementStatus() model.SubmissionStatus {
	sr, err := f.st.GetSettlement(context.Background(), f.ch.ID)
	if err != nil {
		return ""
	}
	return sr.Status
}

func (f *driverFixture) channelStatus() model.Status {
	ch, err := f.m.GetState(context.Background(), f.ch.ID)
	if err != nil {
		return ""
	}
	return ch.Status
}

func TestCloseSubmitConfirm(t *testing.T) {
	sub := &NopSubmitter{}
	f := newDriverFixture(t, sub, 3)

	state, traderSig, lpSig := f.signedState(0)
	sr, err := f.d.Close(context.Background(), state, traderSig, lpSig)
	if err != nil {
		t.Fatal(err)
	}
	if sr.Status != model.SubmissionPending {
		t.Fatalf("expected pending, got %s", sr.Status)
	}

	waitFor(t, "submission", func() bool { return f.settlementStatus() == model.SubmissionSubmitted })
	if got := len(sub.Settlements()); got != 1 {
		t.Fatalf("expected 1 submission, got %d", got)
	}

	if err := f.d.OnReceipt(context.Background(), f.ch.ID, true, ""); err != nil {
		t.Fatal(err)
	}
	if f.settlementStatus() != model.SubmissionConfirmed {
		t.Errorf("expected confirmed, got %s", f.settlementStatus())
	}
	if f.channelStatus() != model.StatusClosed {
		t.Errorf("expected closed channel, got %s", f.channelStatus())
	}
}

func TestSubmitRetriesThenSucceeds(t *testing.T) {
	sub := &failSubmitter{remaining: 2}
	f := newDriverFixture(t, sub, 5)

	state, traderSig, lpSig := f.signedState(0)
	if _, err := f.d.Close(context.Background(), state, traderSig, lpSig); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "submission after retries", func() bool {
		return f.settlementStatus() == model.SubmissionSubmitted
	})
	sr, err := f.st.GetSettlement(context.Background(), f.ch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sr.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", sr.Attempts)
	}
}

func TestSubmitExhaustionDisputes(t *testing.T) {
	sub := &failSubmitter{remaining: -1} // never succeeds
	f := newDriverFixture(t, sub, 2)

	state, traderSig, lpSig := f.signedState(0)
	if _, err := f.d.Close(context.Background(), state, traderSig, lpSig); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "dispute after exhaustion", func() bool {
		return f.channelStatus() == model.StatusDisputed
	})
	waitFor(t, "operator alert", func() bool { return f.alertCount() > 0 })
}

func TestStageAndResolveDispute(t *testing.T) {
	sub := &NopSubmitter{}
	f := newDriverFixture(t, sub, 3)

	state, traderSig, lpSig := f.signedState(0)
	if _, err := f.d.Close(context.Background(), state, traderSig, lpSig); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "submission", func() bool { return f.settlementStatus() == model.SubmissionSubmitted })

	// A higher-nonce dual-signed state arrives before confirmation.
	staged, stagedTrader, stagedLP := f.signedState(5)
	if err := f.d.StageDispute(context.Background(), staged, stagedTrader, stagedLP); err != nil {
		t.Fatal(err)
	}
	if f.channelStatus() != model.StatusDisputed {
		t.Fatalf("expected disputed, got %s", f.channelStatus())
	}
	sr, err := f.st.GetSettlement(context.Background(), f.ch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sr.Staged == nil || sr.Staged.FinalState.Nonce != 5 {
		t.Fatal("staged state not recorded")
	}

	// Operator resolves in favour of the staged state.
	if err := f.d.ResolveDispute(context.Background(), f.ch.ID, true); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "resubmission", func() bool { return f.settlementStatus() == model.SubmissionSubmitted })
	sr, err = f.st.GetSettlement(context.Background(), f.ch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sr.FinalState.Nonce != 5 {
		t.Errorf("expected staged nonce 5 to win, got %d", sr.FinalState.Nonce)
	}
	if sr.Staged != nil {
		t.Error("staged slot not cleared")
	}
}

func TestStageRejectsLowerNonce(t *testing.T) {
	sub := &NopSubmitter{}
	f := newDriverFixture(t, sub, 3)

	state, traderSig, lpSig := f.signedState(4)
	if _, err := f.d.Close(context.Background(), state, traderSig, lpSig); err != nil {
		t.Fatal(err)
	}
	staged, st2, sl2 := f.signedState(3)
	if err := f.d.StageDispute(context.Background(), staged, st2, sl2); err == nil {
		t.Error("lower-nonce stage accepted")
	}
}

func TestCheckpointBatchBySize(t *testing.T) {
	sub := &NopSubmitter{}
	f := newDriverFixture(t, sub, 3)

	// Batch size is 2: the first checkpoint waits, the second flushes.
	state1, t1, l1 := f.signedState(0)
	if _, err := f.d.RequestCheckpoint(context.Background(), state1, t1, l1); err != nil {
		t.Fatal(err)
	}
	if got := len(sub.CheckpointBatches()); got != 0 {
		t.Fatalf("batch flushed early: %d", got)
	}
	// A second channel provides the second checkpoint.
	ch2, err := f.m.Open(context.Background(), channel.OpenParams{
		Trader: f.ch.Trader,
		LP:     f.ch.LP,
		Tokens: f.ch.Tokens,
		TraderDeposits: []*model.Amount{model.MustAmount("100")},
		LPDeposits:     []*model.Amount{model.MustAmount("100")},
		Timeout:        time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	state2 := ch2.Snapshot(f.domain.ChainID)
	hash2 := crypto.HashChannelState(state2)
	t2, err := crypto.Sign(f.domain, hash2, f.traderKey)
	if err != nil {
		t.Fatal(err)
	}
	l2, err := crypto.Sign(f.domain, hash2, f.lpKey)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.d.RequestCheckpoint(context.Background(), state2, t2, l2); err != nil {
		t.Fatal(err)
	}

	batches := sub.CheckpointBatches()
	if len(batches) != 1 || len(batches[0]) != 2 {
		t.Fatalf("expected one batch of 2, got %v", batches)
	}
}
