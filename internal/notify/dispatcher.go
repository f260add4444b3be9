// Package notify delivers best-effort, at-least-once notifications to payment
// owners when their queued payments finish.
//
// A Dispatcher owns one Sender and initializes it lazily on first use. The
// initialization state is an explicit machine guarded by a mutex:
//
//	uninitialized -> initializing -> ready
//	                              -> failed   (Reset returns to uninitialized)
//
// Concurrent callers that arrive while initialization is in progress wait for
// its outcome instead of initializing the sender a second time.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tbourn/go-payment-queue/internal/retry"
)

// State is the initialization state of a Dispatcher.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ErrUnavailable is returned when the sender failed to initialize.
var ErrUnavailable = errors.New("notification sender unavailable")

var sent = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "payqueue_notifications_total",
		Help: "Notifications by result (sent, failed, unavailable).",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(sent)
}

// Message is one notification for one owner.
type Message struct {
	OwnerID string `json:"owner_id"`
	Title   string `json:"title"`
	Body    string `json:"body"`
}

// Sender delivers messages through one channel.
type Sender interface {
	Init(ctx context.Context) error
	Send(ctx context.Context, msg Message) error
}

// Dispatcher initializes a Sender once and sends through it with a short
// retry budget.
type Dispatcher struct {
	sender Sender
	retry  retry.Config

	mu       sync.Mutex
	state    State
	initErr  error
	initDone chan struct{}
}

// NewDispatcher wraps sender. Sends are retried twice with a short backoff.
func NewDispatcher(sender Sender) *Dispatcher {
	return &Dispatcher{
		sender: sender,
		retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2,
		},
	}
}

// State reports the current initialization state.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Reset moves a failed dispatcher back to uninitialized so the next Notify
// tries to initialize again. It is a no-op in any other state.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateFailed {
		d.state = StateUninitialized
		d.initErr = nil
	}
}

// Notify sends one message to ownerID.
func (d *Dispatcher) Notify(ctx context.Context, ownerID, title, body string) error {
	if err := d.ensureReady(ctx); err != nil {
		sent.WithLabelValues("unavailable").Inc()
		return err
	}
	msg := Message{OwnerID: ownerID, Title: title, Body: body}
	_, err := retry.Do(ctx, d.retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.sender.Send(ctx, msg)
	})
	if err != nil {
		sent.WithLabelValues("failed").Inc()
		return err
	}
	sent.WithLabelValues("sent").Inc()
	return nil
}

func (d *Dispatcher) ensureReady(ctx context.Context) error {
	for {
		d.mu.Lock()
		switch d.state {
		case StateReady:
			d.mu.Unlock()
			return nil
		case StateFailed:
			err := d.initErr
			d.mu.Unlock()
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		case StateInitializing:
			wait := d.initDone
			d.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		// uninitialized: this caller performs the init
		d.state = StateInitializing
		done := make(chan struct{})
		d.initDone = done
		d.mu.Unlock()

		err := d.sender.Init(ctx)

		d.mu.Lock()
		if err != nil {
			d.state = StateFailed
			d.initErr = err
		} else {
			d.state = StateReady
		}
		close(done)
		d.mu.Unlock()

		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil
	}
}
