// Package collector waits for a single reply from a party, bounded by a timeout.
package collector

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	ErrTimeout  = errors.New("collector: timed out waiting for reply")
	ErrCanceled = errors.New("collector: canceled")
	// ErrBusy is returned when a wait is already pending for the key.
	ErrBusy = errors.New("collector: a reply is already awaited")
)

// FeedbackKey scopes a pending feedback wait to one reviewer and job. Job
// numbers are matched case-insensitively.
func FeedbackKey(jobNumber, identity string) string {
	return "feedback:" + strings.ToUpper(strings.TrimSpace(jobNumber)) + ":" + identity
}

// Registry tracks at most one pending wait per key.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*Pending
}

func NewRegistry() *Registry {
	return &Registry{pending: make(map[string]*Pending)}
}

// Pending is a one-shot wait. It resolves exactly once: with the first
// offered reply, on timeout, or on Cancel.
type Pending struct {
	key     string
	reg     *Registry
	replies chan string
	done    chan struct{}
	once    sync.Once
	timer   *time.Timer
	err     error
}

// Expect registers a wait for key that expires after timeout.
func (r *Registry) Expect(key string, timeout time.Duration) (*Pending, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[key]; ok {
		return nil, ErrBusy
	}
	p := &Pending{
		key:     key,
		reg:     r,
		replies: make(chan string, 1),
		done:    make(chan struct{}),
	}
	p.timer = time.AfterFunc(timeout, func() { p.resolve(ErrTimeout, false) })
	r.pending[key] = p
	return p, nil
}

// Offer delivers reply to the wait registered for key. It reports false when
// nothing is waiting or the wait already resolved.
func (r *Registry) Offer(key, reply string) bool {
	r.mu.Lock()
	p, ok := r.pending[key]
	if ok {
		delete(r.pending, key)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	accepted := false
	p.once.Do(func() {
		p.timer.Stop()
		p.replies <- reply
		close(p.done)
		accepted = true
	})
	return accepted
}

// Waiting reports whether a wait is pending for key.
func (r *Registry) Waiting(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[key]
	return ok
}

func (r *Registry) remove(p *Pending) {
	r.mu.Lock()
	if cur, ok := r.pending[p.key]; ok && cur == p {
		delete(r.pending, p.key)
	}
	r.mu.Unlock()
}

func (p *Pending) finish(err error) {
	p.resolve(err, true)
}

// resolve settles the wait. The timer callback passes stop=false since it may
// run before Expect has stored the timer.
func (p *Pending) resolve(err error, stop bool) {
	p.once.Do(func() {
		if stop {
			p.timer.Stop()
		}
		p.err = err
		p.reg.remove(p)
		close(p.done)
	})
}

// Cancel resolves the wait with ErrCanceled if it is still open.
func (p *Pending) Cancel() {
	p.finish(ErrCanceled)
}

// Wait blocks until the wait resolves or ctx ends. A ctx end cancels the wait.
func (p *Pending) Wait(ctx context.Context) (string, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		p.finish(ctx.Err())
		<-p.done
	}
	if p.err != nil {
		return "", p.err
	}
	return <-p.replies, nil
}
