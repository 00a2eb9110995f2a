// Package push delivers fanned-out signals to locally connected WebSocket
// followers.
package push

import (
	"github.com/moltrade/relayer/internal/log"
	"github.com/moltrade/relayer/internal/metrics"
)

// DefaultBuffer is the sink channel capacity.
const DefaultBuffer = 1024

// FanoutMessage is one decrypted signal addressed to one follower.
type FanoutMessage struct {
	TargetPubkey    string `json:"target_pubkey"`
	BotPubkey       string `json:"bot_pubkey"`
	Kind            int    `json:"kind"`
	OriginalEventID string `json:"original_event_id"`
	Payload         string `json:"payload"`
}

// Sink is the buffered channel between the router and the WebSocket hub.
// Delivery is best effort: when the buffer is full or no consumer exists the
// message is dropped without blocking the router.
type Sink struct {
	ch  chan FanoutMessage
	log log.Logger
}

func NewSink(l log.Logger, buffer int) *Sink {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Sink{
		ch:  make(chan FanoutMessage, buffer),
		log: l,
	}
}

// Push enqueues the message, dropping it when the sink is full.
func (s *Sink) Push(msg FanoutMessage) {
	select {
	case s.ch <- msg:
	default:
		metrics.FanoutDropped.Inc()
		s.log.Warnw("", "push", "sink full, dropping fanout message",
			"target", msg.TargetPubkey, "event", msg.OriginalEventID)
	}
}

// Messages is the consumer side of the sink.
func (s *Sink) Messages() <-chan FanoutMessage {
	return s.ch
}
