package store

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"github.com/ChikamsoChidebe/Photonx/internal/model"
	"github.com/ChikamsoChidebe/Photonx/internal/photonerr"
)

// RetryingStore wraps a Store and retries transient backend failures with
// capped exponential backoff. Typed coordinator errors (not_found,
// stale_nonce, lock_unavailable, ...) pass through untouched; only raw
// backend errors are treated as transient. Exhaustion surfaces as a store
// error so the state machine can escalate the channel to disputed.
type RetryingStore struct {
	inner       Store
	maxRetries  uint64
	baseBackoff time.Duration
	logger      *logrus.Logger
}

// NewRetryingStore wraps inner, retrying a failed call up to maxRetries
// times after the first attempt, starting at base backoff.
func NewRetryingStore(inner Store, maxRetries uint64, baseBackoff time.Duration, logger *logrus.Logger) *RetryingStore {
	if baseBackoff <= 0 {
		baseBackoff = 100 * time.Millisecond
	}
	return &RetryingStore{inner: inner, maxRetries: maxRetries, baseBackoff: baseBackoff, logger: logger}
}

func (s *RetryingStore) do(ctx context.Context, op string, fn func() error) error {
	backoff := retry.WithMaxRetries(s.maxRetries, retry.NewExponential(s.baseBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn()
		if err == nil {
			return nil
		}
		if typedRejection(err) {
			return err // typed rejection, not a backend fault
		}
		s.logger.WithError(err).Warnf("store %s failed, retrying", op)
		return retry.RetryableError(err)
	})
	if err == nil || typedRejection(err) {
		return err
	}
	return photonerr.Wrap(photonerr.KindStore, err, "%s exhausted retries", op)
}

// typedRejection reports whether err is a coordinator-typed error other
// than a backend store fault.
func typedRejection(err error) bool {
	var pe *photonerr.Error
	return errors.As(err, &pe) && pe.Kind != photonerr.KindStore
}

func (s *RetryingStore) GetChannel(ctx context.Context, channelID string) (*model.Channel, error) {
	var ch *model.Channel
	err := s.do(ctx, "get_channel", func() error {
		var err error
		ch, err = s.inner.GetChannel(ctx, channelID)
		return err
	})
	return ch, err
}

func (s *RetryingStore) PutChannel(ctx context.Context, ch *model.Channel) error {
	return s.do(ctx, "put_channel", func() error { return s.inner.PutChannel(ctx, ch) })
}

func (s *RetryingStore) TxnPut(ctx context.Context, ch *model.Channel, rec *MessageRecord) error {
	return s.do(ctx, "txn_put", func() error { return s.inner.TxnPut(ctx, ch, rec) })
}

func (s *RetryingStore) ListChannels(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.do(ctx, "list_channels", func() error {
		var err error
		ids, err = s.inner.ListChannels(ctx)
		return err
	})
	return ids, err
}

func (s *RetryingStore) ChannelsByParticipant(ctx context.Context, participant common.Address) ([]string, error) {
	var ids []string
	err := s.do(ctx, "channels_by_participant", func() error {
		var err error
		ids, err = s.inner.ChannelsByParticipant(ctx, participant)
		return err
	})
	return ids, err
}

func (s *RetryingStore) AppendMessage(ctx context.Context, rec *MessageRecord) error {
	return s.do(ctx, "append_message", func() error { return s.inner.AppendMessage(ctx, rec) })
}

func (s *RetryingStore) MessagesByChannel(ctx context.Context, channelID string) ([]*MessageRecord, error) {
	var recs []*MessageRecord
	err := s.do(ctx, "messages_by_channel", func() error {
		var err error
		recs, err = s.inner.MessagesByChannel(ctx, channelID)
		return err
	})
	return recs, err
}

func (s *RetryingStore) PutCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	return s.do(ctx, "put_checkpoint", func() error { return s.inner.PutCheckpoint(ctx, cp) })
}

func (s *RetryingStore) GetCheckpoint(ctx context.Context, channelID string, nonce uint64) (*model.Checkpoint, error) {
	var cp *model.Checkpoint
	err := s.do(ctx, "get_checkpoint", func() error {
		var err error
		cp, err = s.inner.GetCheckpoint(ctx, channelID, nonce)
		return err
	})
	return cp, err
}

func (s *RetryingStore) CheckpointsByChannel(ctx context.Context, channelID string) ([]*model.Checkpoint, error) {
	var cps []*model.Checkpoint
	err := s.do(ctx, "checkpoints_by_channel", func() error {
		var err error
		cps, err = s.inner.CheckpointsByChannel(ctx, channelID)
		return err
	})
	return cps, err
}

func (s *RetryingStore) PutSettlement(ctx context.Context, sr *model.SettlementRequest) error {
	return s.do(ctx, "put_settlement", func() error { return s.inner.PutSettlement(ctx, sr) })
}

func (s *RetryingStore) GetSettlement(ctx context.Context, channelID string) (*model.SettlementRequest, error) {
	var sr *model.SettlementRequest
	err := s.do(ctx, "get_settlement", func() error {
		var err error
		sr, err = s.inner.GetSettlement(ctx, channelID)
		return err
	})
	return sr, err
}

// AcquireLock is not retried: lock contention is a typed rejection the
// pipeline handles by re-polling under the caller's deadline, and retrying
// inside the store would stretch the caller's deadline invisibly.
func (s *RetryingStore) AcquireLock(ctx context.Context, channelID, owner string, ttl time.Duration) error {
	return s.inner.AcquireLock(ctx, channelID, owner, ttl)
}

func (s *RetryingStore) ReleaseLock(ctx context.Context, channelID, owner string) error {
	return s.inner.ReleaseLock(ctx, channelID, owner)
}

func (s *RetryingStore) Close() error { return s.inner.Close() }
