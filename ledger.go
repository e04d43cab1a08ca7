package lottery

import (
	"context"
	"fmt"
	"math"
	"sync"
)

// MemoryLedger is an in-memory account book. It is the default Wallet of a
// raffle and lets drivers observe the external balance of winners.
type MemoryLedger struct {
	mu       sync.RWMutex
	balances map[Address]uint64
	rejected map[Address]bool
}

// NewMemoryLedger creates an empty ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[Address]uint64),
		rejected: make(map[Address]bool),
	}
}

// Send credits amount to the account of to
func (l *MemoryLedger) Send(ctx context.Context, to Address, amount uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateAddress(to); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.rejected[to] {
		return fmt.Errorf("recipient %s rejects transfers", to)
	}
	if l.balances[to] > math.MaxUint64-amount {
		return fmt.Errorf("balance overflow for %s", to)
	}
	l.balances[to] += amount
	return nil
}

// Deposit credits an account outside of any raffle
func (l *MemoryLedger) Deposit(addr Address, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.balances[addr] += amount
}

// Withdraw debits an account, failing when the balance is too small
func (l *MemoryLedger) Withdraw(addr Address, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.balances[addr] < amount {
		return fmt.Errorf("insufficient balance for %s: have %d, need %d", addr, l.balances[addr], amount)
	}
	l.balances[addr] -= amount
	return nil
}

// Balance returns the balance of addr
func (l *MemoryLedger) Balance(addr Address) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.balances[addr]
}

// Reject makes every Send to addr fail while reject is true
func (l *MemoryLedger) Reject(addr Address, reject bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if reject {
		l.rejected[addr] = true
		return
	}
	delete(l.rejected, addr)
}
