// Package broadcast fans accepted transitions out to participant
// subscribers. Delivery is at-least-once with per-channel FIFO per
// subscriber; consumers dedupe on (channel_id, nonce).
package broadcast

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ChikamsoChidebe/Photonx/internal/model"
)

// subscriberBuffer bounds the per-subscriber outbox. A subscriber that
// falls this far behind is disconnected rather than stalling others.
const subscriberBuffer = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// TransitionEvent is the wire form of an accepted transition.
type TransitionEvent struct {
	ChannelID string          `json:"channel_id"`
	Nonce     uint64          `json:"nonce"`
	Status    model.Status    `json:"status"`
	Message   *model.Envelope `json:"message"`
	EmittedAt time.Time       `json:"emitted_at"`
}

type subscriber struct {
	participant common.Address
	out         chan []byte
	conn        *websocket.Conn
}

// Hub routes transition events to websocket subscribers keyed by
// participant address. Each subscriber drains its own FIFO, so a slow
// reader on channel A never delays a reader on channel B.
type Hub struct {
	logger *logrus.Logger

	mu   sync.Mutex
	subs map[common.Address]map[*subscriber]struct{}
}

// NewHub builds an empty hub.
func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		logger: logger,
		subs:   make(map[common.Address]map[*subscriber]struct{}),
	}
}

// Publish delivers the transition to every subscriber of both
// participants. Implements the pipeline's Broadcaster.
func (h *Hub) Publish(channelID string, state *model.Channel, env *model.Envelope) {
	event := TransitionEvent{
		ChannelID: channelID,
		Nonce:     state.Nonce,
		Status:    state.Status,
		Message:   env,
		EmittedAt: time.Now(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.WithError(err).Error("broadcast: encode event")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.publishLocked(state.Trader, payload)
	if state.LP != state.Trader {
		h.publishLocked(state.LP, payload)
	}
}

func (h *Hub) publishLocked(participant common.Address, payload []byte) {
	for sub := range h.subs[participant] {
		select {
		case sub.out <- payload:
		default:
			// Outbox full: drop the subscriber, never the message order.
			h.dropLocked(sub)
		}
	}
}

func (h *Hub) dropLocked(sub *subscriber) {
	if set, ok := h.subs[sub.participant]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.participant)
		}
	}
	close(sub.out)
}

// Subscribe registers a participant listener and returns its event feed.
// Used directly by tests and by in-process consumers.
func (h *Hub) Subscribe(participant common.Address) (<-chan []byte, func()) {
	sub := &subscriber{participant: participant, out: make(chan []byte, subscriberBuffer)}
	h.mu.Lock()
	set, ok := h.subs[participant]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[participant] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, live := h.subs[participant][sub]; live {
			h.dropLocked(sub)
		}
	}
	return sub.out, cancel
}

// ServeWS upgrades an HTTP request to a websocket subscription for the
// participant named in the query string.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("participant")
	if !common.IsHexAddress(raw) {
		http.Error(w, "participant must be a hex address", http.StatusBadRequest)
		return
	}
	participant := common.HexToAddress(raw)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("broadcast: upgrade")
		return
	}

	out, cancel := h.Subscribe(participant)
	go func() {
		defer cancel()
		defer conn.Close()
		for payload := range out {
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}()
	// Reader loop only to detect close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
