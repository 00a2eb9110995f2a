// Package relaypool maintains the upstream relay connections and fans the
// subscribed events into a single channel.
package relaypool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nbd-wtf/go-nostr"

	"github.com/moltrade/relayer/internal/log"
	"github.com/moltrade/relayer/internal/metrics"
)

const (
	// backoffBase is the first reconnect delay; each attempt doubles it up
	// to backoffCap.
	backoffBase = time.Second
	backoffCap  = 60 * time.Second

	eventBuffer = 1024
)

// State is the lifecycle state of one upstream relay connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Subscribed
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Subscribed:
		return "subscribed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status is a point-in-time snapshot of one managed relay, as reported on the
// admin surface.
type Status struct {
	URL         string    `json:"url"`
	State       string    `json:"state"`
	LastMessage time.Time `json:"last_message"`
	Reconnects  int       `json:"reconnects"`
}

type subscription interface {
	events() <-chan *nostr.Event
	unsub()
}

type conn interface {
	subscribe(ctx context.Context, filters nostr.Filters) (subscription, error)
	close() error
}

type dialFunc func(ctx context.Context, url string) (conn, error)

type nostrSub struct{ sub *nostr.Subscription }

func (s nostrSub) events() <-chan *nostr.Event { return s.sub.Events }
func (s nostrSub) unsub()                      { s.sub.Unsub() }

type nostrConn struct{ relay *nostr.Relay }

func (c nostrConn) subscribe(ctx context.Context, filters nostr.Filters) (subscription, error) {
	sub, err := c.relay.Subscribe(ctx, filters)
	if err != nil {
		return nil, err
	}
	return nostrSub{sub}, nil
}

func (c nostrConn) close() error { return c.relay.Close() }

func dialNostr(ctx context.Context, url string) (conn, error) {
	relay, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, err
	}
	return nostrConn{relay}, nil
}

type managedRelay struct {
	url string

	mu          sync.Mutex
	state       State
	lastMessage time.Time
	reconnects  int

	cancel context.CancelFunc
	// poke wakes the connection loop to drop and redial, used by the
	// health checker on stale connections.
	poke chan struct{}
}

func (m *managedRelay) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *managedRelay) touch(now time.Time) {
	m.mu.Lock()
	m.lastMessage = now
	m.mu.Unlock()
}

func (m *managedRelay) snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		URL:         m.url,
		State:       m.state.String(),
		LastMessage: m.lastMessage,
		Reconnects:  m.reconnects,
	}
}

// Pool owns one connection loop per upstream relay. Events received on any
// subscription are pushed onto a shared channel after a kind check.
type Pool struct {
	log      log.Logger
	clock    clockwork.Clock
	dial     dialFunc
	kinds    map[int]struct{}
	maxConns int

	out chan *nostr.Event

	mu     sync.Mutex
	relays map[string]*managedRelay
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a pool subscribing to the given kinds. An empty kind list means
// no kind filtering at all.
func New(l log.Logger, clock clockwork.Clock, allowedKinds []int, maxConns int) *Pool {
	kinds := make(map[int]struct{}, len(allowedKinds))
	for _, k := range allowedKinds {
		kinds[k] = struct{}{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		log:      l,
		clock:    clock,
		dial:     dialNostr,
		kinds:    kinds,
		maxConns: maxConns,
		out:      make(chan *nostr.Event, eventBuffer),
		relays:   make(map[string]*managedRelay),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Events is the fan-in channel of deduplication candidates. It is closed when
// the pool shuts down.
func (p *Pool) Events() <-chan *nostr.Event {
	return p.out
}

// ConnectAndSubscribe starts a managed connection loop for the relay. Adding
// an already-managed URL is a no-op.
func (p *Pool) ConnectAndSubscribe(url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("pool is closed")
	}
	if _, ok := p.relays[url]; ok {
		return nil
	}
	if p.maxConns > 0 && len(p.relays) >= p.maxConns {
		return fmt.Errorf("connection limit %d reached", p.maxConns)
	}

	ctx, cancel := context.WithCancel(p.ctx)
	m := &managedRelay{
		url:    url,
		cancel: cancel,
		poke:   make(chan struct{}, 1),
	}
	p.relays[url] = m

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx, m)
	}()
	return nil
}

// SubscribeAll connects every given relay, reporting the first error but
// still attempting the rest.
func (p *Pool) SubscribeAll(urls []string) error {
	var firstErr error
	for _, url := range urls {
		if err := p.ConnectAndSubscribe(url); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DisconnectRelay stops managing the relay and closes its connection.
func (p *Pool) DisconnectRelay(url string) error {
	p.mu.Lock()
	m, ok := p.relays[url]
	if ok {
		delete(p.relays, url)
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("relay %q not managed", url)
	}
	m.cancel()
	return nil
}

// ListRelays returns the managed relay URLs.
func (p *Pool) ListRelays() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	urls := make([]string, 0, len(p.relays))
	for url := range p.relays {
		urls = append(urls, url)
	}
	return urls
}

// ConnectionStatuses returns a snapshot of every managed relay.
func (p *Pool) ConnectionStatuses() []Status {
	p.mu.Lock()
	managed := make([]*managedRelay, 0, len(p.relays))
	for _, m := range p.relays {
		managed = append(managed, m)
	}
	p.mu.Unlock()

	statuses := make([]Status, 0, len(managed))
	for _, m := range managed {
		statuses = append(statuses, m.snapshot())
	}
	return statuses
}

// ActiveConnections counts relays that currently hold a live subscription.
func (p *Pool) ActiveConnections() int {
	active := 0
	for _, s := range p.ConnectionStatuses() {
		if s.State == Subscribed.String() {
			active++
		}
	}
	return active
}

// StartHealthChecks reconnects relays that have been silent for longer than
// twice the interval. It returns immediately; checking stops when the pool
// closes.
func (p *Pool) StartHealthChecks(interval time.Duration) {
	staleAfter := 2 * interval
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := p.clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.ctx.Done():
				return
			case <-ticker.Chan():
				p.checkHealth(staleAfter)
			}
		}
	}()
}

func (p *Pool) checkHealth(staleAfter time.Duration) {
	now := p.clock.Now()
	p.mu.Lock()
	managed := make([]*managedRelay, 0, len(p.relays))
	for _, m := range p.relays {
		managed = append(managed, m)
	}
	p.mu.Unlock()

	for _, m := range managed {
		m.mu.Lock()
		stale := m.state == Subscribed && !m.lastMessage.IsZero() && now.Sub(m.lastMessage) > staleAfter
		m.mu.Unlock()
		if !stale {
			continue
		}
		p.log.Warnw("", "relaypool", "relay stale, forcing reconnect", "url", m.url)
		select {
		case m.poke <- struct{}{}:
		default:
		}
	}
}

// Close tears down every connection loop and closes the event channel.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	close(p.out)
}

// run is the per-relay loop: dial, subscribe, pump events, and on any failure
// back off and start over.
func (p *Pool) run(ctx context.Context, m *managedRelay) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			m.setState(Disconnected)
			return
		}

		m.setState(Connecting)
		c, err := p.dial(ctx, m.url)
		if err != nil {
			m.setState(Failed)
			p.log.Warnw("", "relaypool", "dial failed", "url", m.url, "err", err)
			if !p.backoff(ctx, m, &attempt) {
				return
			}
			continue
		}
		m.setState(Connected)

		sub, err := c.subscribe(ctx, p.filters())
		if err != nil {
			_ = c.close()
			m.setState(Failed)
			p.log.Warnw("", "relaypool", "subscribe failed", "url", m.url, "err", err)
			if !p.backoff(ctx, m, &attempt) {
				return
			}
			continue
		}

		m.setState(Subscribed)
		m.touch(p.clock.Now())
		metrics.ActiveConnections.Set(float64(p.ActiveConnections()))
		p.log.Infow("", "relaypool", "subscribed", "url", m.url)
		attempt = 0

		p.pump(ctx, m, sub)

		sub.unsub()
		_ = c.close()
		m.setState(Disconnected)
		metrics.ActiveConnections.Set(float64(p.ActiveConnections()))

		if ctx.Err() != nil {
			return
		}
		if !p.backoff(ctx, m, &attempt) {
			return
		}
	}
}

// pump forwards subscription events until the subscription ends, the health
// checker pokes, or the loop context is cancelled.
func (p *Pool) pump(ctx context.Context, m *managedRelay, sub subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.poke:
			return
		case ev, ok := <-sub.events():
			if !ok {
				p.log.Warnw("", "relaypool", "subscription closed by relay", "url", m.url)
				return
			}
			m.touch(p.clock.Now())
			if ev == nil {
				continue
			}
			if !p.kindAllowed(ev.Kind) {
				continue
			}
			select {
			case p.out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *Pool) backoff(ctx context.Context, m *managedRelay, attempt *int) bool {
	delay := backoffBase << uint(*attempt)
	if delay > backoffCap || delay <= 0 {
		delay = backoffCap
	}
	*attempt++

	m.mu.Lock()
	m.reconnects++
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		return false
	case <-p.clock.After(delay):
		return true
	}
}

func (p *Pool) filters() nostr.Filters {
	if len(p.kinds) == 0 {
		return nostr.Filters{{}}
	}
	kinds := make([]int, 0, len(p.kinds))
	for k := range p.kinds {
		kinds = append(kinds, k)
	}
	return nostr.Filters{{Kinds: kinds}}
}

// kindAllowed re-checks the kind on receipt; relays are not trusted to honor
// the subscription filter.
func (p *Pool) kindAllowed(kind int) bool {
	if len(p.kinds) == 0 {
		return true
	}
	_, ok := p.kinds[kind]
	return ok
}
