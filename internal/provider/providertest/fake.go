// Package providertest provides a scripted provider for tests.
package providertest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/foxzi/outreach/internal/provider"
)

// Fake is a provider whose answers are scripted per recipient
type Fake struct {
	name string

	mu      sync.Mutex
	sent    []*provider.Message
	rejects map[string]string
	errs    map[string]error
	block   map[string]bool
	healthy bool
	calls   atomic.Int64

	// OnSend runs before each send is answered
	OnSend func(msg *provider.Message)
}

// New creates a fake that accepts everything
func New(name string) *Fake {
	return &Fake{
		name:    name,
		rejects: make(map[string]string),
		errs:    make(map[string]error),
		block:   make(map[string]bool),
		healthy: true,
	}
}

// Reject makes sends to recipient come back not accepted with message
func (f *Fake) Reject(recipient, message string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejects[recipient] = message
	return f
}

// Fail makes sends to recipient return err
func (f *Fake) Fail(recipient string, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[recipient] = err
	return f
}

// Hang makes sends to recipient block until the context is done
func (f *Fake) Hang(recipient string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block[recipient] = true
	return f
}

// SetHealthy sets the IsHealthy answer
func (f *Fake) SetHealthy(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = ok
}

// Calls returns the number of Send calls
func (f *Fake) Calls() int {
	return int(f.calls.Load())
}

// Sent returns the accepted messages
func (f *Fake) Sent() []*provider.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*provider.Message(nil), f.sent...)
}

func (f *Fake) Name() string {
	return f.name
}

func (f *Fake) Send(ctx context.Context, msg *provider.Message) (*provider.Result, error) {
	n := f.calls.Add(1)
	if f.OnSend != nil {
		f.OnSend(msg)
	}

	f.mu.Lock()
	hang := f.block[msg.To]
	err := f.errs[msg.To]
	reject, rejected := f.rejects[msg.To]
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if rejected {
		return &provider.Result{ErrorMessage: reject}, nil
	}

	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()

	return &provider.Result{Accepted: true, ProviderMessageID: fmt.Sprintf("<fake-%d@%s>", n, f.name)}, nil
}

func (f *Fake) BulkSend(ctx context.Context, msgs []*provider.Message) *provider.BulkResult {
	return provider.SendEach(ctx, f, msgs)
}

func (f *Fake) IsHealthy(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}
