package delivery

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// customerLock tracks ownership of a single customer's send slot plus the
// FIFO of goroutines waiting for it.
type customerLock struct {
	held    bool
	waiters []chan struct{}
}

// CustomerLocks serializes deliveries per customer so a conversation never
// has two messages in flight at once. Waiters are granted the lock in
// arrival order.
type CustomerLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*customerLock
}

func NewCustomerLocks() *CustomerLocks {
	return &CustomerLocks{locks: make(map[uuid.UUID]*customerLock)}
}

// Acquire blocks until the customer's slot is free or ctx is done.
func (cl *CustomerLocks) Acquire(ctx context.Context, customerID uuid.UUID) error {
	cl.mu.Lock()
	lock, ok := cl.locks[customerID]
	if !ok {
		lock = &customerLock{}
		cl.locks[customerID] = lock
	}
	if !lock.held {
		lock.held = true
		cl.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	lock.waiters = append(lock.waiters, ready)
	cl.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		cl.abandon(customerID, ready)
		return ctx.Err()
	}
}

// Release hands the slot to the oldest waiter, or frees it when nobody is
// waiting.
func (cl *CustomerLocks) Release(customerID uuid.UUID) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	lock, ok := cl.locks[customerID]
	if !ok {
		return
	}
	if len(lock.waiters) > 0 {
		ready := lock.waiters[0]
		lock.waiters = lock.waiters[1:]
		close(ready)
		return
	}
	lock.held = false
	delete(cl.locks, customerID)
}

// abandon removes a cancelled waiter. If the waiter was promoted before we
// got the mutex, the grant is passed on instead of being lost.
func (cl *CustomerLocks) abandon(customerID uuid.UUID, ready chan struct{}) {
	cl.mu.Lock()
	lock, ok := cl.locks[customerID]
	if !ok {
		cl.mu.Unlock()
		return
	}
	for i, waiter := range lock.waiters {
		if waiter == ready {
			lock.waiters = append(lock.waiters[:i], lock.waiters[i+1:]...)
			cl.mu.Unlock()
			return
		}
	}
	cl.mu.Unlock()

	select {
	case <-ready:
		cl.Release(customerID)
	default:
	}
}
