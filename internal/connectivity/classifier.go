// Package connectivity classifies the device's path to the remote service
// and notifies subscribers when that classification changes.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State is a connectivity classification. Online requires both a usable
// link and a successful reachability check.
type State struct {
	Connected bool `json:"connected"`
	Reachable bool `json:"reachable"`
}

func (s State) Online() bool {
	return s.Connected && s.Reachable
}

// LinkDetector reports whether the device has a usable network link.
type LinkDetector interface {
	LinkUp(ctx context.Context) bool
}

// Prober checks that the remote service can actually be reached.
type Prober interface {
	Probe(ctx context.Context) error
}

// Classifier combines link state and reachability into a State and emits
// change events. Notifications are edge-triggered: subscribers only hear
// about transitions.
type Classifier struct {
	link   LinkDetector
	prober Prober
	logger *slog.Logger

	mu     sync.Mutex
	state  State
	known  bool
	subs   map[int]func(State)
	nextID int
}

type ClassifierOption func(*Classifier)

func WithLogger(l *slog.Logger) ClassifierOption {
	return func(c *Classifier) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClassifier creates a classifier. A nil link detector treats the link as
// always up; a nil prober treats the service as always reachable.
func NewClassifier(link LinkDetector, prober Prober, opts ...ClassifierOption) *Classifier {
	c := &Classifier{
		link:   link,
		prober: prober,
		logger: slog.Default(),
		subs:   make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Current returns the last classification and whether one has been made.
func (c *Classifier) Current() (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.known
}

// Online reports the current classification, evaluating it first if no
// check has run yet.
func (c *Classifier) Online(ctx context.Context) bool {
	if st, ok := c.Current(); ok {
		return st.Online()
	}
	return c.Check(ctx).Online()
}

// Check evaluates link and reachability now and publishes the result.
// Reachability is only probed when a link is present.
func (c *Classifier) Check(ctx context.Context) State {
	st := State{Connected: true}
	if c.link != nil {
		st.Connected = c.link.LinkUp(ctx)
	}
	if st.Connected {
		st.Reachable = true
		if c.prober != nil {
			if err := c.prober.Probe(ctx); err != nil {
				c.logger.Debug("reachability probe failed", "error", err)
				st.Reachable = false
			}
		}
	}
	c.Set(st)
	return st
}

// Set publishes an externally observed state. Subscribers are notified only
// if the state differs from the previous one.
func (c *Classifier) Set(st State) {
	c.mu.Lock()
	changed := !c.known || c.state != st
	c.state = st
	c.known = true
	var subs []func(State)
	if changed {
		subs = make([]func(State), 0, len(c.subs))
		for _, fn := range c.subs {
			subs = append(subs, fn)
		}
	}
	c.mu.Unlock()

	if !changed {
		return
	}
	c.logger.Info("connectivity changed", "connected", st.Connected, "reachable", st.Reachable)
	for _, fn := range subs {
		fn(st)
	}
}

// Subscribe registers fn for state changes and returns a function that
// removes it.
func (c *Classifier) Subscribe(fn func(State)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Run checks connectivity immediately and then every interval until ctx is
// cancelled.
func (c *Classifier) Run(ctx context.Context, interval time.Duration) error {
	c.Check(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}
