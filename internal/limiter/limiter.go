package limiter

import (
    "context"
    "strings"
    "sync"
)

// Inflight caps concurrent inference calls per model within this process.
type Inflight struct {
    maxInflight int
    mu          sync.Mutex
    sem         map[string]chan struct{}
}

func New(maxInflight int) *Inflight {
    if maxInflight <= 0 { maxInflight = 1 }
    return &Inflight{maxInflight: maxInflight, sem: map[string]chan struct{}{}}
}

func (a *Inflight) slots(model string) chan struct{} {
    key := strings.ToLower(model)
    a.mu.Lock()
    defer a.mu.Unlock()
    ch, ok := a.sem[key]
    if !ok {
        ch = make(chan struct{}, a.maxInflight)
        a.sem[key] = ch
    }
    return ch
}

// Acquire blocks until a slot for model is free or ctx is done. The returned
// release function must be called exactly once.
func (a *Inflight) Acquire(ctx context.Context, model string) (func(), error) {
    ch := a.slots(model)
    select {
    case ch <- struct{}{}:
        var once sync.Once
        return func() { once.Do(func() { <-ch }) }, nil
    case <-ctx.Done():
        return func() {}, ctx.Err()
    }
}

// Allow reserves a slot without waiting.
func (a *Inflight) Allow(model string) (func(), bool) {
    ch := a.slots(model)
    select {
    case ch <- struct{}{}:
        var once sync.Once
        return func() { once.Do(func() { <-ch }) }, true
    default:
        return func() {}, false
    }
}

// InUse returns the number of held slots for model.
func (a *Inflight) InUse(model string) int { return len(a.slots(model)) }
