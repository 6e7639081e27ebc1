// Package settlement packages terminal channel states for on-chain
// delivery: checkpoint batching, close submission, receipt tracking, and
// dispute staging.
package settlement

import (
	"context"
	"sync"

	"github.com/ChikamsoChidebe/Photonx/internal/model"
)

// Submitter hands settlement payloads to the on-chain delivery layer.
// The contract internals are out of scope; the coordinator only observes
// receipts through Driver.OnReceipt.
type Submitter interface {
	// SubmitCheckpointBatch witnesses a batch of checkpoints on-chain.
	SubmitCheckpointBatch(ctx context.Context, batch []*model.Checkpoint) error

	// SubmitSettlement submits a final dual-signed state.
	SubmitSettlement(ctx context.Context, sr *model.SettlementRequest) error
}

// NopSubmitter accepts everything without side effects. Used when no
// on-chain endpoint is configured and in tests.
type NopSubmitter struct {
	mu          sync.Mutex
	checkpoints [][]*model.Checkpoint
	settlements []*model.SettlementRequest
}

func (n *NopSubmitter) SubmitCheckpointBatch(ctx context.Context, batch []*model.Checkpoint) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.checkpoints = append(n.checkpoints, batch)
	return nil
}

func (n *NopSubmitter) SubmitSettlement(ctx context.Context, sr *model.SettlementRequest) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.settlements = append(n.settlements, sr)
	return nil
}

// CheckpointBatches returns the batches seen so far.
func (n *NopSubmitter) CheckpointBatches() [][]*model.Checkpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([][]*model.Checkpoint(nil), n.checkpoints...)
}

// Settlements returns the settlement submissions seen so far.
func (n *NopSubmitter) Settlements() []*model.SettlementRequest {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*model.SettlementRequest(nil), n.settlements...)
}
