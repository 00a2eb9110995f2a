package push

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"

	"github.com/moltrade/relayer/internal/log"
)

// Hub routes fanout messages to the connected follower sockets and mirrors
// the downstream firehose to clients that subscribed without a pubkey.
type Hub struct {
	sink       *Sink
	downstream <-chan *nostr.Event

	mu       sync.RWMutex
	byPubkey map[string]map[*Client]struct{}
	firehose map[*Client]struct{}

	register   chan *Client
	unregister chan *Client

	log log.Logger
}

func NewHub(l log.Logger, sink *Sink, downstream <-chan *nostr.Event) *Hub {
	return &Hub{
		sink:       sink,
		downstream: downstream,
		byPubkey:   make(map[string]map[*Client]struct{}),
		firehose:   make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		log:        l,
	}
}

// Run pumps registrations, fanout messages and downstream events until the
// context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case msg, ok := <-h.sink.Messages():
			if !ok {
				h.closeAll()
				return
			}
			h.deliver(msg)
		case ev, ok := <-h.downstream:
			if !ok {
				h.closeAll()
				return
			}
			h.broadcast(ev)
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.pubkey != "" {
		set, ok := h.byPubkey[c.pubkey]
		if !ok {
			set = make(map[*Client]struct{})
			h.byPubkey[c.pubkey] = set
		}
		set[c] = struct{}{}
	} else {
		h.firehose[c] = struct{}{}
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.pubkey != "" {
		if set, ok := h.byPubkey[c.pubkey]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.byPubkey, c.pubkey)
			}
		}
	} else {
		delete(h.firehose, c)
	}
	close(c.send)
}

// deliver sends a fanout message to every socket authenticated as the target
// follower. Payload is plaintext unless the client asked for sealed frames.
func (h *Hub) deliver(msg FanoutMessage) {
	h.mu.RLock()
	targets := make([]*Client, 0, 2)
	for c := range h.byPubkey[msg.TargetPubkey] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		out := msg
		if c.sealSecret != "" {
			sealed, err := SealPayload(c.sealSecret, msg.Payload)
			if err != nil {
				h.log.Errorw("", "push", "sealing payload failed", "target", msg.TargetPubkey, "err", err)
				continue
			}
			out.Payload = sealed
		}
		data, err := json.Marshal(out)
		if err != nil {
			continue
		}
		c.trySend(data)
	}
}

func (h *Hub) broadcast(ev *nostr.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.firehose {
		c.trySend(data)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.byPubkey {
		for c := range set {
			close(c.send)
		}
	}
	h.byPubkey = make(map[string]map[*Client]struct{})
	for c := range h.firehose {
		close(c.send)
	}
	h.firehose = make(map[*Client]struct{})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The admin surface fronts this; cross-origin browsers are expected.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades an HTTP request to a follower socket. The follower
// identifies itself with ?pubkey=; an optional ?seal_secret= requests sealed
// frames. Without a pubkey the socket receives the downstream firehose.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("", "push", "websocket upgrade failed", "err", err)
		return
	}

	c := &Client{
		hub:        h,
		conn:       conn,
		pubkey:     r.URL.Query().Get("pubkey"),
		sealSecret: r.URL.Query().Get("seal_secret"),
		send:       make(chan []byte, clientSendBuffer),
		log:        h.log,
	}
	h.register <- c

	go c.writePump()
	go c.readPump()
}
