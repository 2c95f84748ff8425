// Package relaypool maintains connections to a configured set of NOSTR
// relays and exposes publish, query, and subscribe primitives over them.
// No single relay is trusted or required to be online: publishing succeeds
// when any relay acknowledges, queries merge whatever each reachable relay
// returns, and deduplication is left to the caller.
package relaypool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// ErrAllRelaysFailed is returned when an operation could not be completed on
// any configured relay.
var ErrAllRelaysFailed = errors.New("relaypool: all relays failed")

// ErrClosed is returned when operating on a closed pool.
var ErrClosed = errors.New("relaypool: pool closed")

// conn is one relay connection. The indirection keeps the pool's fan-out
// logic independent of the websocket transport.
type conn interface {
	IsConnected() bool
	Publish(ctx context.Context, ev nostr.Event) error
	QuerySync(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error)
	Subscribe(ctx context.Context, filter nostr.Filter) (<-chan *nostr.Event, func(), error)
	Close() error
}

// nostrConn adapts *nostr.Relay to conn.
type nostrConn struct {
	r *nostr.Relay
}

func (c *nostrConn) IsConnected() bool { return c.r.IsConnected() }

func (c *nostrConn) Publish(ctx context.Context, ev nostr.Event) error {
	return c.r.Publish(ctx, ev)
}

func (c *nostrConn) QuerySync(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	return c.r.QuerySync(ctx, filter)
}

func (c *nostrConn) Subscribe(ctx context.Context, filter nostr.Filter) (<-chan *nostr.Event, func(), error) {
	sub, err := c.r.Subscribe(ctx, nostr.Filters{filter})
	if err != nil {
		return nil, nil, err
	}
	return sub.Events, sub.Unsub, nil
}

func (c *nostrConn) Close() error { return c.r.Close() }

func dialNostr(ctx context.Context, url string) (conn, error) {
	r, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, err
	}
	return &nostrConn{r: r}, nil
}

// Pool opens and reuses connections to a fixed, ordered set of relay URLs.
type Pool struct {
	urls   []string
	logger *slog.Logger
	dial   func(ctx context.Context, url string) (conn, error)

	mu     sync.Mutex
	conns  map[string]conn
	closed bool
}

// New creates a pool over the given relay URLs. Connections are opened
// lazily on first use and reused afterwards.
func New(urls []string, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		urls:   append([]string(nil), urls...),
		logger: logger,
		dial:   dialNostr,
		conns:  make(map[string]conn),
	}
}

// URLs returns the configured relay addresses in order.
func (p *Pool) URLs() []string {
	return append([]string(nil), p.urls...)
}

// ensure returns a connected handle for url, reconnecting when a cached
// connection has dropped.
func (p *Pool) ensure(ctx context.Context, url string) (conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if c, ok := p.conns[url]; ok && c.IsConnected() {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	c, err := p.dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay %s: %w", url, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		c.Close()
		return nil, ErrClosed
	}
	if old, ok := p.conns[url]; ok && old != c {
		old.Close()
	}
	p.conns[url] = c
	return c, nil
}

// Publish sends the event to every configured relay concurrently and returns
// nil as soon as at least one relay acknowledged it. Individual relay
// failures are logged, not escalated; only total failure is an error.
func (p *Pool) Publish(ctx context.Context, ev nostr.Event) error {
	if len(p.urls) == 0 {
		return errors.New("relaypool: no relays configured")
	}

	var wg sync.WaitGroup
	errs := make([]error, len(p.urls))
	for i, url := range p.urls {
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			c, err := p.ensure(ctx, url)
			if err != nil {
				errs[i] = err
				return
			}
			if err := c.Publish(ctx, ev); err != nil {
				errs[i] = fmt.Errorf("failed to publish to %s: %w", url, err)
			}
		}(i, url)
	}
	wg.Wait()

	ok := false
	for i, err := range errs {
		if err == nil {
			ok = true
		} else {
			p.logger.Debug("relay publish failed", "relay", p.urls[i], "error", err)
		}
	}
	if !ok {
		return fmt.Errorf("%w: %w", ErrAllRelaysFailed, errors.Join(errs...))
	}
	return nil
}

// Query runs the filter against every relay concurrently and returns the
// merged raw results. Duplicates across relays are expected; callers
// deduplicate by address. An error is returned only when every relay failed.
func (p *Pool) Query(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	if len(p.urls) == 0 {
		return nil, errors.New("relaypool: no relays configured")
	}

	var wg sync.WaitGroup
	results := make([][]*nostr.Event, len(p.urls))
	errs := make([]error, len(p.urls))
	for i, url := range p.urls {
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			c, err := p.ensure(ctx, url)
			if err != nil {
				errs[i] = err
				return
			}
			evs, err := c.QuerySync(ctx, filter)
			if err != nil {
				errs[i] = fmt.Errorf("failed to query %s: %w", url, err)
				return
			}
			results[i] = evs
		}(i, url)
	}
	wg.Wait()

	var merged []*nostr.Event
	anyOK := false
	for i := range results {
		if errs[i] != nil {
			p.logger.Debug("relay query failed", "relay", p.urls[i], "error", errs[i])
			continue
		}
		anyOK = true
		merged = append(merged, results[i]...)
	}
	if !anyOK {
		return nil, fmt.Errorf("%w: %w", ErrAllRelaysFailed, errors.Join(errs...))
	}
	return merged, nil
}

// Subscribe opens a standing subscription for the filter on every reachable
// relay and merges deliveries into one channel. The returned cancel func
// closes all subscriptions and, once drained, the channel. Events may arrive
// duplicated or out of order; the consumer's merge must tolerate both.
func (p *Pool) Subscribe(ctx context.Context, filter nostr.Filter) (<-chan *nostr.Event, func(), error) {
	subCtx, cancel := context.WithCancel(ctx)

	type relaySub struct {
		ch   <-chan *nostr.Event
		stop func()
	}
	var subs []relaySub
	for _, url := range p.urls {
		c, err := p.ensure(subCtx, url)
		if err != nil {
			p.logger.Debug("relay unavailable for subscription", "relay", url, "error", err)
			continue
		}
		ch, stop, err := c.Subscribe(subCtx, filter)
		if err != nil {
			p.logger.Debug("failed to subscribe", "relay", url, "error", err)
			continue
		}
		subs = append(subs, relaySub{ch: ch, stop: stop})
	}
	if len(subs) == 0 {
		cancel()
		return nil, nil, fmt.Errorf("%w: no relay accepted the subscription", ErrAllRelaysFailed)
	}

	out := make(chan *nostr.Event)
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(ch <-chan *nostr.Event) {
			defer wg.Done()
			for {
				select {
				case <-subCtx.Done():
					return
				case ev, ok := <-ch:
					if !ok {
						return
					}
					select {
					case out <- ev:
					case <-subCtx.Done():
						return
					}
				}
			}
		}(sub.ch)
	}
	go func() {
		wg.Wait()
		close(out)
	}()

	stop := func() {
		cancel()
		for _, sub := range subs {
			sub.stop()
		}
	}
	return out, stop, nil
}

// Close releases all relay connections. The pool cannot be reused after.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for url, c := range p.conns {
		c.Close()
		delete(p.conns, url)
	}
}
