// Package publisher emits platform-signed events onto the upstream bus.
package publisher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/moltrade/relayer/internal/log"
)

const publishTimeout = 10 * time.Second

// Publisher publishes events under the platform identity.
type Publisher interface {
	// PublishEncrypted NIP-04 encrypts plaintext to the recipient, tags the
	// recipient and publishes under the given kind.
	PublishEncrypted(ctx context.Context, kind int, recipientPub, plaintext string) error
	// PublishPlain publishes a plaintext event under the given kind.
	PublishPlain(ctx context.Context, kind int, content string) error
}

// NostrPublisher holds the platform keys and a lazily-connected set of
// relays. Per-relay failures are logged; a publish succeeds when at least one
// relay accepted the event.
type NostrPublisher struct {
	keys *Keys
	urls []string

	mu     sync.Mutex
	relays map[string]*nostr.Relay

	log log.Logger
}

// NewNostrPublisher returns a publisher for the given relay URLs. Connections
// are established on first use and re-established after failures.
func NewNostrPublisher(l log.Logger, keys *Keys, urls []string) *NostrPublisher {
	return &NostrPublisher{
		keys:   keys,
		urls:   urls,
		relays: make(map[string]*nostr.Relay, len(urls)),
		log:    l,
	}
}

// PublicKey returns the platform public key in hex.
func (p *NostrPublisher) PublicKey() string {
	return p.keys.PublicKey()
}

func (p *NostrPublisher) PublishEncrypted(ctx context.Context, kind int, recipientPub, plaintext string) error {
	ciphertext, err := p.keys.Encrypt(recipientPub, plaintext)
	if err != nil {
		return fmt.Errorf("encrypting for %s: %w", recipientPub, err)
	}

	ev := nostr.Event{
		Kind:      kind,
		CreatedAt: nostr.Now(),
		Content:   ciphertext,
		Tags:      nostr.Tags{nostr.Tag{"p", recipientPub}},
	}
	return p.publish(ctx, ev)
}

func (p *NostrPublisher) PublishPlain(ctx context.Context, kind int, content string) error {
	ev := nostr.Event{
		Kind:      kind,
		CreatedAt: nostr.Now(),
		Content:   content,
	}
	return p.publish(ctx, ev)
}

func (p *NostrPublisher) publish(ctx context.Context, ev nostr.Event) error {
	if err := ev.Sign(p.keys.secretKey); err != nil {
		return fmt.Errorf("signing event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	published := 0
	for _, url := range p.urls {
		relay, err := p.ensureRelay(ctx, url)
		if err != nil {
			p.log.Warnw("", "publisher", "relay unavailable", "url", url, "err", err)
			continue
		}
		if err := relay.Publish(ctx, ev); err != nil {
			p.log.Warnw("", "publisher", "publish failed", "url", url, "id", ev.ID, "err", err)
			p.dropRelay(url)
			continue
		}
		published++
	}

	if published == 0 {
		return fmt.Errorf("publish of %s reached no relay", ev.ID)
	}
	return nil
}

func (p *NostrPublisher) ensureRelay(ctx context.Context, url string) (*nostr.Relay, error) {
	p.mu.Lock()
	relay, ok := p.relays[url]
	p.mu.Unlock()
	if ok {
		return relay, nil
	}

	relay, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.relays[url] = relay
	p.mu.Unlock()
	return relay, nil
}

func (p *NostrPublisher) dropRelay(url string) {
	p.mu.Lock()
	relay, ok := p.relays[url]
	delete(p.relays, url)
	p.mu.Unlock()
	if ok {
		_ = relay.Close()
	}
}

// Close disconnects every cached relay connection.
func (p *NostrPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for url, relay := range p.relays {
		_ = relay.Close()
		delete(p.relays, url)
	}
}
