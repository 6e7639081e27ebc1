package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/ChikamsoChidebe/Photonx/internal/model"
)

// KafkaFeed publishes every accepted transition to a Kafka topic, keyed by
// (channel_id, nonce) so downstream consumers can dedupe redeliveries.
// The feed is best-effort: a broker outage is logged and never blocks the
// pipeline's hot path.
type KafkaFeed struct {
	writer *kafka.Writer
	logger *logrus.Logger
}

// NewKafkaFeed builds a feed against a single broker and topic.
func NewKafkaFeed(broker, topic string, logger *logrus.Logger) *KafkaFeed {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(broker),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.WithError(err).Warn("transition feed: delivery failed")
			}
		},
	}
	return &KafkaFeed{writer: writer, logger: logger}
}

// Publish implements the pipeline's Broadcaster.
func (f *KafkaFeed) Publish(channelID string, state *model.Channel, env *model.Envelope) {
	event := TransitionEvent{
		ChannelID: channelID,
		Nonce:     state.Nonce,
		Status:    state.Status,
		Message:   env,
		EmittedAt: time.Now(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		f.logger.WithError(err).Error("transition feed: encode event")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = f.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(fmt.Sprintf("%s/%d", channelID, state.Nonce)),
		Value: payload,
	})
	if err != nil {
		f.logger.WithError(err).Warn("transition feed: write")
	}
}

// Close flushes and closes the underlying writer.
func (f *KafkaFeed) Close() error {
	return f.writer.Close()
}

// Multi fans one Publish out to several broadcasters.
type Multi []interface {
	Publish(channelID string, state *model.Channel, env *model.Envelope)
}

// Publish implements the pipeline's Broadcaster.
func (m Multi) Publish(channelID string, state *model.Channel, env *model.Envelope) {
	for _, b := range m {
		b.Publish(channelID, state, env)
	}
}
