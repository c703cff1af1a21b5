// Package relaypool multiplexes publishes and subscriptions across a set of
// relays. Single-relay failures are logged and absorbed; only a publish that
// no relay accepts surfaces as an error. Subscriptions deduplicate by event
// id, drop events with bad signatures and reconnect with backoff.
package relaypool

import (
	"context"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/askmesh/askmesh/internal/errs"
	"github.com/askmesh/askmesh/internal/metrics"
)

const (
	connectTimeout = 7 * time.Second
	publishTimeout = 10 * time.Second
	penaltyWindow  = 15 * time.Second
	maxBackoff     = 30 * time.Second
	eventBuffer    = 256
)

// Pool owns the relay connections shared by every session in the process.
// Mutating the connection set is serialized; reads are cheap.
type Pool struct {
	log *zap.Logger

	mu      sync.Mutex
	relays  map[string]*nostr.Relay
	locks   map[string]*sync.Mutex
	penalty map[string]time.Time
	closed  bool
}

// NewPool makes an empty pool. Connections open lazily on first use.
func NewPool(log *zap.Logger) *Pool {
	return &Pool{
		log:     log,
		relays:  make(map[string]*nostr.Relay),
		locks:   make(map[string]*sync.Mutex),
		penalty: make(map[string]time.Time),
	}
}

// EnsureRelay returns a live connection to url, dialing if needed. A relay
// that just failed sits in a penalty box for a short window so hot loops do
// not hammer it.
func (p *Pool) EnsureRelay(ctx context.Context, url string) (*nostr.Relay, error) {
	url = nostr.NormalizeURL(url)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errs.New(errs.RelayTimeout, "pool is closed")
	}
	if r := p.relays[url]; r != nil && r.IsConnected() {
		p.mu.Unlock()
		return r, nil
	}
	if until, ok := p.penalty[url]; ok && time.Now().Before(until) {
		p.mu.Unlock()
		return nil, errs.New(errs.RelayTimeout, "relay %s in penalty box", url)
	}
	lock := p.locks[url]
	if lock == nil {
		lock = &sync.Mutex{}
		p.locks[url] = lock
	}
	p.mu.Unlock()

	// One dial per url at a time.
	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	if r := p.relays[url]; r != nil && r.IsConnected() {
		p.mu.Unlock()
		return r, nil
	}
	p.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	relay, err := nostr.RelayConnect(dialCtx, url)
	if err != nil {
		p.mu.Lock()
		p.penalty[url] = time.Now().Add(penaltyWindow)
		p.mu.Unlock()
		return nil, errs.Wrap(errs.RelayTimeout, err, "connect %s", url)
	}

	p.mu.Lock()
	if old := p.relays[url]; old != nil && old != relay {
		old.Close()
	}
	p.relays[url] = relay
	delete(p.penalty, url)
	p.mu.Unlock()
	return relay, nil
}

// Publish sends ev to every url and returns the set that acknowledged it.
// Only a total miss is an error.
func (p *Pool) Publish(ctx context.Context, ev *nostr.Event, urls []string) ([]string, error) {
	if len(urls) == 0 {
		return nil, errs.New(errs.InvalidArgument, "publish without relays")
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	var (
		mu       sync.Mutex
		accepted []string
		wg       sync.WaitGroup
	)
	for _, url := range urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			relay, err := p.EnsureRelay(ctx, url)
			if err != nil {
				p.log.Debug("publish: relay unavailable", zap.String("relay", url), zap.Error(err))
				return
			}
			if err := relay.Publish(ctx, *ev); err != nil {
				p.log.Debug("publish rejected", zap.String("relay", url), zap.String("event", ev.ID), zap.Error(err))
				return
			}
			mu.Lock()
			accepted = append(accepted, nostr.NormalizeURL(url))
			mu.Unlock()
		}(url)
	}
	wg.Wait()

	if len(accepted) == 0 {
		metrics.PublishFailures.Inc()
		return nil, errs.New(errs.RelayPublishFailed, "no relay accepted event %s (kind %d)", ev.ID, ev.Kind)
	}
	metrics.EventsPublished.WithLabelValues(metrics.KindLabel(ev.Kind)).Inc()
	return accepted, nil
}

// Subscription is one logical subscription fanned out over several relays.
// Events arrives deduplicated; EOSE closes once every relay has delivered
// its stored backlog (or failed its first connect).
type Subscription struct {
	events chan *nostr.Event
	eose   chan struct{}
	cancel context.CancelFunc

	mu      sync.Mutex
	seen    map[string]struct{}
	pending map[string]struct{}

	eoseOnce  sync.Once
	closeOnce sync.Once
}

// Events is the deduplicated stream. It is never closed; end the read with
// the context or Close.
func (s *Subscription) Events() <-chan *nostr.Event { return s.events }

// EOSE closes when every relay has finished replaying stored events.
func (s *Subscription) EOSE() <-chan struct{} { return s.eose }

// Close tears down every relay leg. Idempotent.
func (s *Subscription) Close() {
	s.closeOnce.Do(s.cancel)
}

func (s *Subscription) markEOSE(url string) {
	s.mu.Lock()
	delete(s.pending, url)
	empty := len(s.pending) == 0
	s.mu.Unlock()
	if empty {
		s.eoseOnce.Do(func() { close(s.eose) })
	}
}

func (s *Subscription) deliver(ctx context.Context, ev *nostr.Event) {
	if ok, err := ev.CheckSignature(); err != nil || !ok || ev.GetID() != ev.ID {
		metrics.EventsInvalid.Inc()
		return
	}
	s.mu.Lock()
	if _, dup := s.seen[ev.ID]; dup {
		s.mu.Unlock()
		metrics.EventsDeduped.Inc()
		return
	}
	s.seen[ev.ID] = struct{}{}
	s.mu.Unlock()

	select {
	case s.events <- ev:
		metrics.EventsReceived.WithLabelValues(metrics.KindLabel(ev.Kind)).Inc()
	case <-ctx.Done():
	}
}

// Subscribe opens filters on every url and merges the legs into one stream.
// Each leg reconnects on its own after relay loss.
func (p *Pool) Subscribe(ctx context.Context, filters nostr.Filters, urls []string) (*Subscription, error) {
	if len(urls) == 0 {
		return nil, errs.New(errs.InvalidArgument, "subscribe without relays")
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		events:  make(chan *nostr.Event, eventBuffer),
		eose:    make(chan struct{}),
		cancel:  cancel,
		seen:    make(map[string]struct{}),
		pending: make(map[string]struct{}, len(urls)),
	}
	normalized := make([]string, 0, len(urls))
	for _, url := range urls {
		url = nostr.NormalizeURL(url)
		if _, dup := sub.pending[url]; dup {
			continue
		}
		sub.pending[url] = struct{}{}
		normalized = append(normalized, url)
	}
	for _, url := range normalized {
		go p.runLeg(subCtx, url, filters, sub)
	}
	return sub, nil
}

// runLeg drives one relay leg of a subscription until the context ends.
func (p *Pool) runLeg(ctx context.Context, url string, filters nostr.Filters, sub *Subscription) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		relay, err := p.EnsureRelay(ctx, url)
		if err != nil {
			// Count an unreachable relay as drained so Fetch is not
			// held hostage by one dead peer.
			sub.markEOSE(url)
			p.log.Debug("subscribe: relay unavailable", zap.String("relay", url), zap.Error(err))
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		rsub, err := relay.Subscribe(ctx, filters)
		if err != nil {
			sub.markEOSE(url)
			p.log.Debug("subscribe failed", zap.String("relay", url), zap.Error(err))
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = time.Second

		eose := rsub.EndOfStoredEvents
	recv:
		for {
			select {
			case <-ctx.Done():
				rsub.Unsub()
				return
			case <-eose:
				eose = nil
				sub.markEOSE(url)
			case ev, ok := <-rsub.Events:
				if !ok {
					// Relay dropped us; reconnect.
					break recv
				}
				if ev == nil {
					continue
				}
				sub.deliver(ctx, ev)
			}
		}
		if eose != nil {
			sub.markEOSE(url)
		}
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

// Fetch collects events until every relay reports EOSE or the context
// expires, whichever is first. The deadline is the bound, not a failure.
func (p *Pool) Fetch(ctx context.Context, filters nostr.Filters, urls []string) ([]*nostr.Event, error) {
	sub, err := p.Subscribe(ctx, filters, urls)
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	var out []*nostr.Event
	for {
		select {
		case <-ctx.Done():
			return out, nil
		case ev := <-sub.Events():
			out = append(out, ev)
		case <-sub.EOSE():
			for {
				select {
				case ev := <-sub.Events():
					out = append(out, ev)
				default:
					return out, nil
				}
			}
		}
	}
}

// Close drops every relay connection. Live subscriptions see their legs die
// and stop reconnecting once their contexts end.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for url, r := range p.relays {
		r.Close()
		delete(p.relays, url)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d = d * 17 / 10
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
