// Package store defines the durable record contract the coordinator core
// consumes: channel records, the append-only message log, checkpoints,
// settlements, the participant index, and per-channel leases. Implementations
// must be safe for concurrent use.
package store

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ChikamsoChidebe/Photonx/internal/model"
)

// MessageRecord is an archived inbound message, keyed by (channel_id, nonce).
type MessageRecord struct {
	ChannelID  string        `json:"channel_id"`
	Nonce      uint64        `json:"nonce"`
	Type       model.MsgType `json:"type"`
	Payload    []byte        `json:"payload"`
	ReceivedAt time.Time     `json:"received_at"`
}

// Store is the durable backend contract.
//
// TxnPut must be atomic across the channel record and the appended message:
// either both are durable or neither is. AppendMessage and TxnPut reject a
// duplicate (channel_id, nonce) pair. Locks are leases: acquisition carries
// a TTL, release is owner-checked, expiry is automatic.
type Store interface {
	GetChannel(ctx context.Context, channelID string) (*model.Channel, error)
	PutChannel(ctx context.Context, ch *model.Channel) error
	TxnPut(ctx context.Context, ch *model.Channel, rec *MessageRecord) error
	ListChannels(ctx context.Context) ([]string, error)
	ChannelsByParticipant(ctx context.Context, participant common.Address) ([]string, error)

	AppendMessage(ctx context.Context, rec *MessageRecord) error
	MessagesByChannel(ctx context.Context, channelID string) ([]*MessageRecord, error)

	PutCheckpoint(ctx context.Context, cp *model.Checkpoint) error
	GetCheckpoint(ctx context.Context, channelID string, nonce uint64) (*model.Checkpoint, error)
	CheckpointsByChannel(ctx context.Context, channelID string) ([]*model.Checkpoint, error)

	PutSettlement(ctx context.Context, sr *model.SettlementRequest) error
	GetSettlement(ctx context.Context, channelID string) (*model.SettlementRequest, error)

	AcquireLock(ctx context.Context, channelID, owner string, ttl time.Duration) error
	ReleaseLock(ctx context.Context, channelID, owner string) error

	Close() error
}
