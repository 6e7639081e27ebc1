package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ChikamsoChidebe/Photonx/internal/model"
	"github.com/ChikamsoChidebe/Photonx/internal/photonerr"
)

// MemoryStore is the single-node Store. Channel records are deep-copied on
// the way in and out so callers never share a live channel with the store.
// Checkpoint, settlement, and message records are copied one level deep
// only: their byte slices and nested states are shared. The lock
// table simulates the distributed lease with keyed owners and TTL expiry;
// the interface is identical to a networked backend.
type MemoryStore struct {
	mu          sync.RWMutex
	channels    map[string]*model.Channel
	messages    map[string]map[uint64]*MessageRecord
	checkpoints map[string]map[uint64]*model.Checkpoint
	settlements map[string]*model.SettlementRequest

	lockMu sync.Mutex
	locks  map[string]lease
}

type lease struct {
	owner   string
	expires time.Time
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		channels:    make(map[string]*model.Channel),
		messages:    make(map[string]map[uint64]*MessageRecord),
		checkpoints: make(map[string]map[uint64]*model.Checkpoint),
		settlements: make(map[string]*model.SettlementRequest),
		locks:       make(map[string]lease),
	}
}

func (s *MemoryStore) GetChannel(ctx context.Context, channelID string) (*model.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[channelID]
	if !ok {
		return nil, photonerr.New(photonerr.KindNotFound, "channel %s", channelID)
	}
	return ch.Clone(), nil
}

func (s *MemoryStore) PutChannel(ctx context.Context, ch *model.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[ch.ID] = ch.Clone()
	return nil
}

// TxnPut commits the channel record and the message log entry together.
// The duplicate check runs before any write so a rejected append leaves
// the channel record untouched.
func (s *MemoryStore) TxnPut(ctx context.Context, ch *model.Channel, rec *MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec != nil {
		if _, dup := s.messages[rec.ChannelID][rec.Nonce]; dup {
			return photonerr.New(photonerr.KindStaleNonce,
				"message already archived").WithChannel(rec.ChannelID, rec.Nonce)
		}
	}
	s.channels[ch.ID] = ch.Clone()
	if rec != nil {
		s.appendLocked(rec)
	}
	return nil
}

func (s *MemoryStore) ListChannels(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.channels))
	for id := range s.channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) ChannelsByParticipant(ctx context.Context, participant common.Address) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, ch := range s.channels {
		if ch.IsParticipant(participant) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, rec *MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.messages[rec.ChannelID][rec.Nonce]; dup {
		return photonerr.New(photonerr.KindStaleNonce,
			"message already archived").WithChannel(rec.ChannelID, rec.Nonce)
	}
	s.appendLocked(rec)
	return nil
}

func (s *MemoryStore) appendLocked(rec *MessageRecord) {
	log, ok := s.messages[rec.ChannelID]
	if !ok {
		log = make(map[uint64]*MessageRecord)
		s.messages[rec.ChannelID] = log
	}
	dup := *rec
	dup.Payload = append([]byte(nil), rec.Payload...)
	log[rec.Nonce] = &dup
}

func (s *MemoryStore) MessagesByChannel(ctx context.Context, channelID string) ([]*MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.messages[channelID]
	out := make([]*MessageRecord, 0, len(log))
	for _, rec := range log {
		dup := *rec
		out = append(out, &dup)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nonce < out[j].Nonce })
	return out, nil
}

func (s *MemoryStore) PutCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byNonce, ok := s.checkpoints[cp.ChannelID]
	if !ok {
		byNonce = make(map[uint64]*model.Checkpoint)
		s.checkpoints[cp.ChannelID] = byNonce
	}
	dup := *cp
	byNonce[cp.Nonce] = &dup
	return nil
}

func (s *MemoryStore) GetCheckpoint(ctx context.Context, channelID string, nonce uint64) (*model.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[channelID][nonce]
	if !ok {
		return nil, photonerr.New(photonerr.KindNotFound, "checkpoint %s/%d", channelID, nonce)
	}
	dup := *cp
	return &dup, nil
}

func (s *MemoryStore) CheckpointsByChannel(ctx context.Context, channelID string) ([]*model.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byNonce := s.checkpoints[channelID]
	out := make([]*model.Checkpoint, 0, len(byNonce))
	for _, cp := range byNonce {
		dup := *cp
		out = append(out, &dup)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nonce < out[j].Nonce })
	return out, nil
}

func (s *MemoryStore) PutSettlement(ctx context.Context, sr *model.SettlementRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := *sr
	s.settlements[sr.ChannelID] = &dup
	return nil
}

func (s *MemoryStore) GetSettlement(ctx context.Context, channelID string) (*model.SettlementRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sr, ok := s.settlements[channelID]
	if !ok {
		return nil, photonerr.New(photonerr.KindNotFound, "settlement %s", channelID)
	}
	dup := *sr
	return &dup, nil
}

// AcquireLock takes the channel lease for owner with the given TTL. A lease
// held by another owner fails with lock_unavailable unless it has expired.
func (s *MemoryStore) AcquireLock(ctx context.Context, channelID, owner string, ttl time.Duration) error {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	now := time.Now()
	if l, held := s.locks[channelID]; held && l.owner != owner && now.Before(l.expires) {
		return photonerr.New(photonerr.KindLockUnavailable,
			"held by other until %s", l.expires.Format(time.RFC3339)).WithChannel(channelID, 0)
	}
	s.locks[channelID] = lease{owner: owner, expires: now.Add(ttl)}
	return nil
}

// ReleaseLock releases the lease if owner still holds it. A lease held by
// another owner (including one re-acquired after expiry) is left in place
// and an error is returned; releasing an absent lease is a no-op.
func (s *MemoryStore) ReleaseLock(ctx context.Context, channelID, owner string) error {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if l, held := s.locks[channelID]; held {
		if l.owner != owner {
			return fmt.Errorf("lock on %s not held by %s", channelID, owner)
		}
		delete(s.locks, channelID)
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
