// Package pipeline accepts inbound messages from the transport boundary,
// validates them in full before any state change, serializes application
// per channel, and broadcasts accepted transitions. Work on one channel
// never blocks work on another.
package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/ChikamsoChidebe/Photonx/configs"
	"github.com/ChikamsoChidebe/Photonx/internal/channel"
	"github.com/ChikamsoChidebe/Photonx/internal/crypto"
	"github.com/ChikamsoChidebe/Photonx/internal/model"
	"github.com/ChikamsoChidebe/Photonx/internal/photonerr"
	"github.com/ChikamsoChidebe/Photonx/internal/store"
)

// queueIdleTimeout is how long a channel's worker lingers with an empty
// queue before exiting.
const queueIdleTimeout = 30 * time.Second

// lockRetryInterval paces lock re-acquisition while another coordinator
// instance holds the channel lease.
const lockRetryInterval = 50 * time.Millisecond

// Broadcaster receives every accepted transition for fan-out. Delivery is
// at-least-once; consumers dedupe on (channel_id, nonce).
type Broadcaster interface {
	Publish(channelID string, state *model.Channel, env *model.Envelope)
}

// Result pairs the post-transition state with the application error.
type Result struct {
	Channel *model.Channel
	Err     error
}

type inbound struct {
	ctx  context.Context
	env  *model.Envelope
	msg  model.Message
	done chan Result
}

type chanQueue struct {
	ch chan *inbound
}

// Pipeline is the inbound message path. One instance per coordinator
// process; the lock owner token makes lease ownership visible across
// instances.
type Pipeline struct {
	machine     *channel.Machine
	store       store.Store
	domain      *crypto.Domain
	cfg         configs.PipelineConfig
	chCfg       configs.ChannelConfig
	logger      *logrus.Logger
	broadcaster Broadcaster
	owner       string

	mu       sync.Mutex
	queues   map[string]*chanQueue
	limiters map[common.Address]*rate.Limiter

	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New builds a pipeline. Call Start before Submit and Stop on shutdown.
func New(machine *channel.Machine, st store.Store, domain *crypto.Domain,
	cfg configs.PipelineConfig, chCfg configs.ChannelConfig,
	broadcaster Broadcaster, logger *logrus.Logger) *Pipeline {
	return &Pipeline{
		machine:     machine,
		store:       st,
		domain:      domain,
		cfg:         cfg,
		chCfg:       chCfg,
		logger:      logger,
		broadcaster: broadcaster,
		owner:       uuid.New().String(),
		queues:      make(map[string]*chanQueue),
		limiters:    make(map[common.Address]*rate.Limiter),
	}
}

// Start arms the pipeline against a base context that bounds all workers.
func (p *Pipeline) Start(ctx context.Context) {
	p.baseCtx, p.cancel = context.WithCancel(ctx)
}

// Stop cancels all workers and waits for in-flight applications to finish;
// cooperative cancellation lets committed writes complete.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Submit runs the full validation ladder and hands the message to the
// channel's serial executor. It blocks until the transition commits, the
// message is rejected, or the caller's deadline expires.
func (p *Pipeline) Submit(ctx context.Context, env *model.Envelope) (*model.Channel, error) {
	msg, err := env.Decode()
	if err != nil {
		return nil, photonerr.Wrap(photonerr.KindShape, err, "decode")
	}

	// Stage 1: shape.
	if err := p.validateShape(msg); err != nil {
		return nil, err
	}

	// Stage 2: channel lookup and status gate.
	ch, err := p.machine.GetState(ctx, msg.Channel())
	if err != nil {
		return nil, err
	}
	if err := precheckStatus(ch, msg); err != nil {
		return nil, err
	}

	// Stages 3 and 4: participant match and signature recovery.
	if err := p.validateSigners(ch, msg); err != nil {
		return nil, err
	}

	// Back-pressure per sender.
	if !p.limiter(senderOf(msg)).Allow() {
		return nil, photonerr.New(photonerr.KindOverloaded,
			"sender rate limit").WithChannel(ch.ID, msg.NonceClaim())
	}

	in := &inbound{ctx: ctx, env: env, msg: msg, done: make(chan Result, 1)}
	if err := p.enqueue(ch.ID, in); err != nil {
		return nil, err
	}

	select {
	case res := <-in.done:
		return res.Channel, res.Err
	case <-ctx.Done():
		return nil, photonerr.Wrap(photonerr.KindTimeout, ctx.Err(),
			"request deadline").WithChannel(ch.ID, msg.NonceClaim())
	}
}

// enqueue places the message on the channel's bounded queue, spawning the
// serial worker if none is running. A full queue rejects with overloaded,
// never a silent drop.
func (p *Pipeline) enqueue(channelID string, in *inbound) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.queues[channelID]
	if !ok {
		q = &chanQueue{ch: make(chan *inbound, p.cfg.QueueSize)}
		p.queues[channelID] = q
		p.wg.Add(1)
		go p.runChannel(channelID, q)
	}

	// The send happens under the same mutex as the worker's idle-eviction
	// check, so a message can never land on a queue whose worker is gone.
	select {
	case q.ch <- in:
		return nil
	default:
		return photonerr.New(photonerr.KindOverloaded,
			"channel queue full").WithChannel(channelID, in.msg.NonceClaim())
	}
}

// runChannel drains one channel's queue strictly serially. Each message is
// accepted or rejected on its own merits; a stale nonce never blocks later
// messages.
func (p *Pipeline) runChannel(channelID string, q *chanQueue) {
	defer p.wg.Done()
	idle := time.NewTimer(queueIdleTimeout)
	defer idle.Stop()
	for {
		select {
		case <-p.baseCtx.Done():
			p.drain(q, photonerr.New(photonerr.KindTimeout, "coordinator shutting down"))
			return
		case in := <-q.ch:
			res := p.process(in)
			in.done <- res
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(queueIdleTimeout)
		case <-idle.C:
			p.mu.Lock()
			if len(q.ch) == 0 {
				delete(p.queues, channelID)
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
			idle.Reset(queueIdleTimeout)
		}
	}
}

func (p *Pipeline) drain(q *chanQueue, err error) {
	for {
		select {
		case in := <-q.ch:
			in.done <- Result{Err: err}
		default:
			return
		}
	}
}

// process holds the channel lease around the read-validate-apply-commit
// span. The apply context is bounded by both the caller's deadline and the
// lock TTL so a slow store aborts before the lease lapses.
func (p *Pipeline) process(in *inbound) Result {
	channelID := in.msg.Channel()
	if err := p.acquireLock(in.ctx, channelID); err != nil {
		return Result{Err: err}
	}
	defer func() {
		if err := p.store.ReleaseLock(context.Background(), channelID, p.owner); err != nil {
			p.logger.WithError(err).WithField("channel", channelID).Warn("lock release")
		}
	}()

	applyCtx, cancel := context.WithTimeout(in.ctx, p.cfg.LockTTL)
	defer cancel()

	payload, err := json.Marshal(in.env)
	if err != nil {
		return Result{Err: photonerr.Wrap(photonerr.KindShape, err, "encode archive payload")}
	}
	next, err := p.machine.ApplyMessage(applyCtx, in.msg, payload)
	if err != nil {
		if applyCtx.Err() != nil && !typed(err) {
			err = photonerr.Wrap(photonerr.KindTimeout, err,
				"apply aborted").WithChannel(channelID, in.msg.NonceClaim())
		}
		return Result{Err: err}
	}

	if p.broadcaster != nil {
		p.broadcaster.Publish(channelID, next, in.env)
	}
	return Result{Channel: next}
}

func typed(err error) bool {
	return photonerr.KindOf(err) != photonerr.KindFatal
}

// acquireLock retries while another instance holds the lease, bounded by
// the caller's deadline.
func (p *Pipeline) acquireLock(ctx context.Context, channelID string) error {
	for {
		err := p.store.AcquireLock(ctx, channelID, p.owner, p.cfg.LockTTL)
		if err == nil {
			return nil
		}
		if !photonerr.Is(err, photonerr.KindLockUnavailable) {
			return err
		}
		select {
		case <-ctx.Done():
			return photonerr.Wrap(photonerr.KindLockUnavailable, ctx.Err(),
				"lease contention").WithChannel(channelID, 0)
		case <-time.After(lockRetryInterval):
		}
	}
}

func (p *Pipeline) limiter(sender common.Address) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[sender]
	if !ok {
		l = rate.NewLimiter(rate.Limit(p.cfg.RateLimitRPS), p.cfg.RateLimitBurst)
		p.limiters[sender] = l
	}
	return l
}

func senderOf(msg model.Message) common.Address {
	switch v := msg.(type) {
	case *model.QuoteRequest:
		return v.Trader
	case *model.Quote:
		return v.LP
	case *model.Fill:
		return v.Trader
	case *model.Cancel:
		return v.Trader
	case *model.Replace:
		return v.Trader
	case *model.Heartbeat:
		return v.Sender
	}
	return common.Address{}
}
