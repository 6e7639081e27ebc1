// Package archive mirrors accepted messages into ClickHouse for audit and
// dashboards. The mirror is non-authoritative: the store's message log is
// the source of truth, and mirror failures never block the pipeline.
package archive

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/ChikamsoChidebe/Photonx/internal/model"
)

// Row is the audit table schema.
type Row struct {
	ChannelID  string    `gorm:"column:channel_id"`
	Nonce      uint64    `gorm:"column:nonce"`
	Type       string    `gorm:"column:type"`
	Status     string    `gorm:"column:status"`
	Payload    string    `gorm:"column:payload"`
	InsertedAt time.Time `gorm:"column:inserted_at"`
}

// TableName maps the row to the transitions table.
func (Row) TableName() string { return "transitions" }

// Mirror batches accepted transitions and flushes them by size or age.
type Mirror struct {
	db           *gorm.DB
	logger       *logrus.Logger
	batchSize    int
	batchTimeout time.Duration

	mu    sync.Mutex
	batch []Row

	done chan struct{}
	once sync.Once
}

// NewMirror builds a mirror flushing at batchSize rows or batchTimeout,
// whichever comes first.
func NewMirror(db *gorm.DB, batchSize int, batchTimeout time.Duration, logger *logrus.Logger) *Mirror {
	if batchSize <= 0 {
		batchSize = 200
	}
	if batchTimeout <= 0 {
		batchTimeout = 5 * time.Second
	}
	m := &Mirror{
		db:           db,
		logger:       logger,
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
		done:         make(chan struct{}),
	}
	go m.loop()
	return m
}

// Publish implements the pipeline's Broadcaster: every accepted transition
// lands in the audit batch.
func (m *Mirror) Publish(channelID string, state *model.Channel, env *model.Envelope) {
	row := Row{
		ChannelID:  channelID,
		Nonce:      state.Nonce,
		Type:       string(env.Type),
		Status:     string(state.Status),
		Payload:    string(env.Payload),
		InsertedAt: time.Now(),
	}
	m.mu.Lock()
	m.batch = append(m.batch, row)
	full := len(m.batch) >= m.batchSize
	m.mu.Unlock()
	if full {
		go m.flush()
	}
}

func (m *Mirror) loop() {
	ticker := time.NewTicker(m.batchTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			m.flush()
			return
		case <-ticker.C:
			m.flush()
		}
	}
}

func (m *Mirror) flush() {
	m.mu.Lock()
	if len(m.batch) == 0 {
		m.mu.Unlock()
		return
	}
	batch := m.batch
	m.batch = nil
	m.mu.Unlock()

	if err := m.db.Create(&batch).Error; err != nil {
		m.logger.WithError(err).WithField("rows", len(batch)).Error("audit mirror flush failed")
		return
	}
	m.logger.WithField("rows", len(batch)).Debug("audit mirror flushed")
}

// Close signals the loop to flush the remaining batch and stop. It returns
// without waiting for that final flush to finish.
func (m *Mirror) Close() {
	m.once.Do(func() { close(m.done) })
}
