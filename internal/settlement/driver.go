package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ChikamsoChidebe/Photonx/configs"
	"github.com/ChikamsoChidebe/Photonx/internal/channel"
	"github.com/ChikamsoChidebe/Photonx/internal/faulttolerance"
	"github.com/ChikamsoChidebe/Photonx/internal/model"
	"github.com/ChikamsoChidebe/Photonx/internal/photonerr"
	"github.com/ChikamsoChidebe/Photonx/internal/store"
)

// submitBackoffBase paces close-submission retries; the delay doubles per
// attempt.
const submitBackoffBase = 2 * time.Second

type pendingCheckpoint struct {
	cp      *model.Checkpoint
	addedAt time.Time
}

// Driver owns the settlement lifecycle. Checkpoints are advisory and
// batched; closes are tracked through receipts until confirmed, failed
// submissions retry behind a circuit breaker, and competing dispute states
// are staged for explicit resolution.
type Driver struct {
	machine   *channel.Machine
	store     store.Store
	submitter Submitter
	breaker   *faulttolerance.CircuitBreaker
	cfg       configs.SettlementConfig
	logger    *logrus.Logger
	alert     channel.AlertFunc

	mu      sync.Mutex
	pending []pendingCheckpoint

	backoffBase time.Duration
	wg          sync.WaitGroup
}

// NewDriver builds a driver over the machine and store.
func NewDriver(machine *channel.Machine, st store.Store, submitter Submitter,
	cfg configs.SettlementConfig, logger *logrus.Logger, alert channel.AlertFunc) *Driver {
	if alert == nil {
		alert = func(channelID, reason string) {}
	}
	return &Driver{
		machine:   machine,
		store:     st,
		submitter: submitter,
		breaker: faulttolerance.New(faulttolerance.Config{
			Name:        "settlement-submitter",
			MaxFailures: cfg.SubmitMaxAttempts,
		}, logger),
		cfg:         cfg,
		logger:      logger,
		alert:       alert,
		backoffBase: submitBackoffBase,
	}
}

// Run flushes aged checkpoint batches until ctx is done.
func (d *Driver) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return
		case now := <-ticker.C:
			d.flushIfDue(ctx, now)
		}
	}
}

// RequestCheckpoint verifies and records a dual-signed checkpoint through
// the state machine, then stages it for batched on-chain witnessing.
func (d *Driver) RequestCheckpoint(ctx context.Context, state *model.ChannelState, traderSig, lpSig []byte) (*model.Checkpoint, error) {
	cp, err := d.machine.RequestCheckpoint(ctx, state, traderSig, lpSig)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.pending = append(d.pending, pendingCheckpoint{cp: cp, addedAt: time.Now()})
	due := len(d.pending) >= d.cfg.BatchSize
	d.mu.Unlock()
	if due {
		d.flush(ctx)
	}
	return cp, nil
}

func (d *Driver) flushIfDue(ctx context.Context, now time.Time) {
	d.mu.Lock()
	due := len(d.pending) > 0 && now.Sub(d.pending[0].addedAt) >= d.cfg.BatchAge
	d.mu.Unlock()
	if due {
		d.flush(ctx)
	}
}

// flush submits the staged checkpoints as one batch. Checkpoints are
// advisory: a failed submission is logged and dropped, the recorded
// checkpoint in the store still constrains disputes.
func (d *Driver) flush(ctx context.Context) {
	d.mu.Lock()
	if len(d.pending) == 0 {
		d.mu.Unlock()
		return
	}
	batch := make([]*model.Checkpoint, len(d.pending))
	for i, p := range d.pending {
		batch[i] = p.cp
	}
	d.pending = d.pending[:0]
	d.mu.Unlock()

	err := d.breaker.Execute(func() error {
		return d.submitter.SubmitCheckpointBatch(ctx, batch)
	})
	if err != nil {
		d.logger.WithError(err).WithField("count", len(batch)).Warn("checkpoint batch submission failed")
		return
	}
	now := time.Now()
	for _, cp := range batch {
		cp.SubmittedAt = now
		if err := d.store.PutCheckpoint(ctx, cp); err != nil {
			d.logger.WithError(err).WithField("channel", cp.ChannelID).Warn("record checkpoint submission")
		}
	}
	d.logger.WithField("count", len(batch)).Info("checkpoint batch submitted")
}

// Close moves the channel to settling through the state machine and kicks
// off the submission loop.
func (d *Driver) Close(ctx context.Context, state *model.ChannelState, traderSig, lpSig []byte) (*model.SettlementRequest, error) {
	sr, err := d.machine.Close(ctx, state, traderSig, lpSig)
	if err != nil {
		return nil, err
	}
	d.wg.Add(1)
	go d.submitLoop(sr.ChannelID)
	return sr, nil
}

// submitLoop retries submission with doubling backoff until the request
// is submitted or attempts are exhausted. Confirmation arrives separately
// through OnReceipt.
func (d *Driver) submitLoop(channelID string) {
	defer d.wg.Done()
	ctx := context.Background()
	delay := d.backoffBase
	for {
		sr, err := d.store.GetSettlement(ctx, channelID)
		if err != nil {
			d.logger.WithError(err).WithField("channel", channelID).Error("load settlement")
			return
		}
		if sr.Status != model.SubmissionPending && sr.Status != model.SubmissionFailed {
			return
		}
		if sr.Attempts >= d.cfg.SubmitMaxAttempts {
			d.exhaust(ctx, sr)
			return
		}

		sr.Attempts++
		err = d.breaker.Execute(func() error {
			return d.submitter.SubmitSettlement(ctx, sr)
		})
		if err == nil {
			sr.Status = model.SubmissionSubmitted
			sr.UpdatedAt = time.Now()
			if perr := d.store.PutSettlement(ctx, sr); perr != nil {
				d.logger.WithError(perr).WithField("channel", channelID).Error("record submission")
			}
			d.logger.WithFields(logrus.Fields{"channel": channelID, "attempt": sr.Attempts}).Info("settlement submitted")
			return
		}

		sr.Status = model.SubmissionFailed
		sr.UpdatedAt = time.Now()
		if perr := d.store.PutSettlement(ctx, sr); perr != nil {
			d.logger.WithError(perr).WithField("channel", channelID).Error("record failed submission")
		}
		d.logger.WithError(err).WithFields(logrus.Fields{
			"channel": channelID, "attempt": sr.Attempts,
		}).Warn("settlement submission failed, backing off")

		time.Sleep(delay)
		delay *= 2
	}
}

func (d *Driver) exhaust(ctx context.Context, sr *model.SettlementRequest) {
	d.logger.WithField("channel", sr.ChannelID).Error("settlement retries exhausted")
	if err := d.machine.MarkDisputed(ctx, sr.ChannelID, "settlement submission exhausted retries"); err != nil {
		d.logger.WithError(err).WithField("channel", sr.ChannelID).Error("mark disputed")
	}
	d.alert(sr.ChannelID, "settlement submission exhausted retries")
}

// OnReceipt is the receipt callback from the external submitter.
// Confirmed closes the channel; failed re-enters the submission loop.
func (d *Driver) OnReceipt(ctx context.Context, channelID string, confirmed bool, detail string) error {
	sr, err := d.store.GetSettlement(ctx, channelID)
	if err != nil {
		return err
	}
	if confirmed {
		sr.Status = model.SubmissionConfirmed
		sr.UpdatedAt = time.Now()
		if err := d.store.PutSettlement(ctx, sr); err != nil {
			return err
		}
		d.logger.WithField("channel", channelID).Info("settlement confirmed")
		return d.machine.MarkClosed(ctx, channelID)
	}

	sr.Status = model.SubmissionFailed
	sr.UpdatedAt = time.Now()
	if err := d.store.PutSettlement(ctx, sr); err != nil {
		return err
	}
	d.logger.WithFields(logrus.Fields{"channel": channelID, "detail": detail}).Warn("settlement receipt: failed")
	d.wg.Add(1)
	go d.submitLoop(channelID)
	return nil
}

// StageDispute records a higher-nonce dual-signed state presented after a
// close was submitted but before confirmation. Submission is deferred
// until ResolveDispute picks a state.
func (d *Driver) StageDispute(ctx context.Context, state *model.ChannelState, traderSig, lpSig []byte) error {
	sr, err := d.store.GetSettlement(ctx, state.ChannelID)
	if err != nil {
		return err
	}
	if sr.Status == model.SubmissionConfirmed {
		return photonerr.New(photonerr.KindWrongStatus,
			"settlement already confirmed").WithChannel(state.ChannelID, state.Nonce)
	}
	if state.Nonce <= sr.FinalState.Nonce {
		return photonerr.New(photonerr.KindStaleNonce,
			"staged nonce %d not above submitted %d", state.Nonce, sr.FinalState.Nonce).WithChannel(state.ChannelID, state.Nonce)
	}
	if err := d.machine.VerifyDualSigned(ctx, state, traderSig, lpSig); err != nil {
		return err
	}

	sr.Staged = &model.SettlementRequest{
		ChannelID:  state.ChannelID,
		FinalState: state,
		TraderSig:  traderSig,
		LPSig:      lpSig,
		Status:     model.SubmissionPending,
		UpdatedAt:  time.Now(),
	}
	if err := d.store.PutSettlement(ctx, sr); err != nil {
		return err
	}
	if err := d.machine.MarkDisputed(ctx, state.ChannelID, "higher-nonce state staged during dispute window"); err != nil {
		return err
	}
	d.alert(state.ChannelID, "dispute staged: competing final states")
	return nil
}

// ResolveDispute is the explicit operator action choosing between the
// submitted state and the staged one. The chosen state re-enters the
// submission loop from pending.
func (d *Driver) ResolveDispute(ctx context.Context, channelID string, useStaged bool) error {
	sr, err := d.store.GetSettlement(ctx, channelID)
	if err != nil {
		return err
	}
	if sr.Staged == nil {
		return photonerr.New(photonerr.KindNotFound, "no staged state").WithChannel(channelID, 0)
	}
	if useStaged {
		staged := sr.Staged
		staged.Staged = nil
		sr = staged
	} else {
		sr.Staged = nil
	}
	sr.Status = model.SubmissionPending
	sr.Attempts = 0
	sr.UpdatedAt = time.Now()
	if err := d.store.PutSettlement(ctx, sr); err != nil {
		return err
	}
	if err := d.machine.MarkSettling(ctx, channelID); err != nil {
		return err
	}
	d.wg.Add(1)
	go d.submitLoop(channelID)
	return nil
}
