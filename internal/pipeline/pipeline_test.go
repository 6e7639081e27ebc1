package pipeline

import (
	"context"
	"crypto/ecdsa"
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
	"github.com/ChikamsoChidebe/Photonx/internal/photonerr"
	"github.com/ChikamsoChidebe/Photonx/internal/store"
)

type capturedEvent struct {
	channelID string
	nonce     uint64
	msgType   model.MsgType
}

type captureBroadcaster struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (c *captureBroadcaster) Publish(channelID string, state *model.Channel, env *model.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, capturedEvent{channelID: channelID, nonce: state.Nonce, msgType: env.Type})
}

func (c *captureBroadcaster) snapshot() []capturedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]capturedEvent(nil), c.events...)
}

type pipeFixture struct {
	t         *testing.T
	p         *Pipeline
	m         *channel.Machine
	domain    *crypto.Domain
	events    *captureBroadcaster
	traderKey *ecdsa.PrivateKey
	lpKey     *ecdsa.PrivateKey
	otherKey  *ecdsa.PrivateKey
	trader    common.Address
	lp        common.Address
	usdc      common.Address
	weth      common.Address
	ch        *model.Channel
	ts        uint64
}

func testChannelConfig() configs.ChannelConfig {
	return configs.ChannelConfig{
		QuoteExpiry:       30 * time.Second,
		TimeoutFloor:      time.Millisecond,
		DisputeWindow:     time.Hour,
		SkewWindow:        30 * time.Second,
		CacheIdleEviction: time.Hour,
		MaxSlippageBps:    1000,
		MaxFeeBps:         500,
	}
}

func newPipeFixture(t *testing.T, pcfg configs.PipelineConfig) *pipeFixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	traderKey, _ := gethcrypto.GenerateKey()
	lpKey, _ := gethcrypto.GenerateKey()
	otherKey, _ := gethcrypto.GenerateKey()

	f := &pipeFixture{
		t:         t,
		domain:    crypto.NewDomain(1, common.HexToAddress("0x00000000000000000000000000000000000000cc")),
		events:    &captureBroadcaster{},
		traderKey: traderKey,
		lpKey:     lpKey,
		otherKey:  otherKey,
		trader:    gethcrypto.PubkeyToAddress(traderKey.PublicKey),
		lp:        gethcrypto.PubkeyToAddress(lpKey.PublicKey),
		usdc:      common.HexToAddress("0x0000000000000000000000000000000000000011"),
		weth:      common.HexToAddress("0x0000000000000000000000000000000000000022"),
		ts:        uint64(time.Now().UnixMilli()),
	}

	st := store.NewMemoryStore()
	f.m = channel.NewMachine(st, f.domain, testChannelConfig(), logger, nil)
	f.p = New(f.m, st, f.domain, pcfg, testChannelConfig(), f.events, logger)
	f.p.Start(context.Background())
	t.Cleanup(f.p.Stop)

	ch, err := f.m.Open(context.Background(), channel.OpenParams{
		Trader: f.trader,
		LP:     f.lp,
		Tokens: []common.Address{f.usdc, f.weth},
		TraderDeposits: []*model.Amount{
			model.MustAmount("1000000000000000000000"),
			model.MustAmount("0"),
		},
		LPDeposits: []*model.Amount{
			model.MustAmount("0"),
			model.MustAmount("1000000000000000000"),
		},
		Timeout: time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	f.ch = ch
	return f
}

func defaultPipeConfig() configs.PipelineConfig {
	return configs.PipelineConfig{
		LockTTL:        5 * time.Second,
		QueueSize:      16,
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
	}
}

func (f *pipeFixture) nextTS() uint64 {
	f.ts++
	return f.ts
}

func (f *pipeFixture) sign(structHash common.Hash, key *ecdsa.PrivateKey) []byte {
	f.t.Helper()
	sig, err := crypto.Sign(f.domain, structHash, key)
	if err != nil {
		f.t.Fatal(err)
	}
	return sig
}

func (f *pipeFixture) signedRequest(nonce uint64, qty string) *model.QuoteRequest {
	req := &model.QuoteRequest{
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
	req.Signature = f.sign(crypto.HashQuoteRequest(req), f.traderKey)
	return req
}

func (f *pipeFixture) signedQuote(id string, reqNonce uint64, price, qty string) *model.Quote {
	q := &model.Quote{
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
	q.Signature = f.sign(crypto.HashQuote(q), f.lpKey)
	return q
}

func (f *pipeFixture) signedFill(quoteID, fillID string, nonce uint64, qty, price string) *model.Fill {
	fill := &model.Fill{
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
	hash := crypto.HashFill(fill)
	fill.TraderSignature = f.sign(hash, f.traderKey)
	fill.LPSignature = f.sign(hash, f.lpKey)
	return fill
}

func (f *pipeFixture) submit(msg model.Message) (*model.Channel, error) {
	f.t.Helper()
	env, err := model.Encode(msg)
	if err != nil {
		f.t.Fatal(err)
	}
	return f.p.Submit(context.Background(), env)
}

func TestPipelineHappyPath(t *testing.T) {
	f := newPipeFixture(t, defaultPipeConfig())

	if _, err := f.submit(f.signedRequest(1, "500000000000000000")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.submit(f.signedQuote("Q1", 1, "2000000000000000000000", "500000000000000000")); err != nil {
		t.Fatal(err)
	}
	ch, err := f.submit(f.signedFill("Q1", "F1", 2, "500000000000000000", "2000000000000000000000"))
	if err != nil {
		t.Fatal(err)
	}
	if ch.Nonce != 2 {
		t.Fatalf("expected nonce 2, got %d", ch.Nonce)
	}

	events := f.events.snapshot()
	if len(events) != 3 {
		t.Fatalf("expected 3 broadcast events, got %d", len(events))
	}
	// Per-channel FIFO: nonces observed in order.
	if events[0].nonce != 1 || events[2].nonce != 2 {
		t.Errorf("broadcast order wrong: %+v", events)
	}
	for _, ev := range events {
		if ev.channelID != f.ch.ID {
			t.Errorf("event for wrong channel: %+v", ev)
		}
	}
}

func TestPipelineShapeRejected(t *testing.T) {
	f := newPipeFixture(t, defaultPipeConfig())

	req := f.signedRequest(1, "500000000000000000")
	req.Quantity = model.MustAmount("0")
	_, err := f.submit(req)
	if !photonerr.Is(err, photonerr.KindShape) {
		t.Fatalf("expected shape, got %v", err)
	}

	req2 := f.signedRequest(1, "1")
	req2.MaxSlippageBps = 5000
	_, err = f.submit(req2)
	if !photonerr.Is(err, photonerr.KindRange) {
		t.Fatalf("expected range, got %v", err)
	}
}

func TestPipelineBadSignatureRejected(t *testing.T) {
	f := newPipeFixture(t, defaultPipeConfig())

	// Well-formed message claiming the trader role but signed by a
	// stranger's key.
	req := f.signedRequest(1, "1000")
	req.Signature = f.sign(crypto.HashQuoteRequest(req), f.otherKey)
	_, err := f.submit(req)
	if !photonerr.Is(err, photonerr.KindBadSignature) {
		t.Fatalf("expected bad_signature, got %v", err)
	}

	// Claiming an address that is not a participant at all.
	req2 := f.signedRequest(1, "1000")
	req2.Trader = gethcrypto.PubkeyToAddress(f.otherKey.PublicKey)
	req2.Signature = f.sign(crypto.HashQuoteRequest(req2), f.otherKey)
	_, err = f.submit(req2)
	if !photonerr.Is(err, photonerr.KindNotParticipant) {
		t.Fatalf("expected not_participant, got %v", err)
	}

	// State unchanged either way.
	got, err := f.m.GetState(context.Background(), f.ch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Nonce != 0 {
		t.Errorf("state mutated by rejected message: nonce %d", got.Nonce)
	}
}

func TestPipelineTamperedFieldRejected(t *testing.T) {
	f := newPipeFixture(t, defaultPipeConfig())

	// Signature over the original message does not cover the bumped
	// quantity.
	req := f.signedRequest(1, "1000")
	req.Quantity = model.MustAmount("2000")
	_, err := f.submit(req)
	if !photonerr.Is(err, photonerr.KindBadSignature) {
		t.Fatalf("expected bad_signature, got %v", err)
	}
}

func TestConcurrentFillsSingleAcceptance(t *testing.T) {
	f := newPipeFixture(t, defaultPipeConfig())

	if _, err := f.submit(f.signedRequest(1, "600000000000000000")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.submit(f.signedQuote("Q1", 1, "1000000000000000000000", "300000000000000000")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.submit(f.signedQuote("Q2", 1, "1000000000000000000000", "300000000000000000")); err != nil {
		t.Fatal(err)
	}

	// Two distinct fills both claiming nonce 2, submitted concurrently:
	// exactly one commits, the other observes a stale nonce.
	fillA := f.signedFill("Q1", "FA", 2, "300000000000000000", "1000000000000000000000")
	fillB := f.signedFill("Q2", "FB", 2, "300000000000000000", "1000000000000000000000")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, fill := range []*model.Fill{fillA, fillB} {
		wg.Add(1)
		go func(i int, fill *model.Fill) {
			defer wg.Done()
			_, errs[i] = f.submit(fill)
		}(i, fill)
	}
	wg.Wait()

	accepted, stale := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			accepted++
		case photonerr.Is(err, photonerr.KindStaleNonce):
			stale++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if accepted != 1 || stale != 1 {
		t.Fatalf("expected exactly one acceptance, got accepted=%d stale=%d", accepted, stale)
	}

	got, err := f.m.GetState(context.Background(), f.ch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Nonce != 2 {
		t.Errorf("expected nonce 2, got %d", got.Nonce)
	}
}

func TestPipelineRateLimit(t *testing.T) {
	cfg := defaultPipeConfig()
	cfg.RateLimitRPS = 0.001 // burst only; no practical refill within the test
	cfg.RateLimitBurst = 1
	f := newPipeFixture(t, cfg)

	if _, err := f.submit(f.signedRequest(1, "1000")); err != nil {
		t.Fatal(err)
	}
	_, err := f.submit(f.signedRequest(2, "1000"))
	if !photonerr.Is(err, photonerr.KindOverloaded) {
		t.Fatalf("expected overloaded, got %v", err)
	}
}

func TestPipelineUnknownChannel(t *testing.T) {
	f := newPipeFixture(t, defaultPipeConfig())

	req := f.signedRequest(1, "1000")
	req.ChannelID = "no-such-channel"
	req.Signature = f.sign(crypto.HashQuoteRequest(req), f.traderKey)
	_, err := f.submit(req)
	if !photonerr.Is(err, photonerr.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestPipelineWrongStatus(t *testing.T) {
	f := newPipeFixture(t, defaultPipeConfig())
	if err := f.m.MarkTimedOut(context.Background(), f.ch.ID); err != nil {
		t.Fatal(err)
	}
	_, err := f.submit(f.signedRequest(1, "1000"))
	if !photonerr.Is(err, photonerr.KindWrongStatus) {
		t.Fatalf("expected wrong_status, got %v", err)
	}
}
