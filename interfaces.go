package lottery

import (
	"context"
	"math/big"
	"time"
)

// RandomnessOracle is the request side of the oracle, as seen by a consumer
type RandomnessOracle interface {
	// Address identifies the oracle; consumers only accept callbacks from it
	Address() Address

	// RequestRandomWords registers a request and returns its id
	RequestRandomWords(ctx context.Context, req RandomWordsRequest) (uint64, error)
}

// CallbackProof accompanies a fulfillment. Token is the CallbackToken the
// consumer attached to its request; only the oracle that accepted the
// request holds it.
type CallbackProof struct {
	Oracle Address
	Token  string
}

// RandomnessConsumer receives fulfilled randomness from an oracle
type RandomnessConsumer interface {
	// Address identifies the consumer on its subscription
	Address() Address

	// RawFulfillRandomWords delivers words for requestID. Proofs the consumer did not issue are rejected.
	RawFulfillRandomWords(ctx context.Context, proof CallbackProof, requestID uint64, words []*big.Int) error
}

// RequestTracker is implemented by oracles that can tell whether a request
// is still waiting to be delivered
type RequestTracker interface {
	RequestPending(ctx context.Context, requestID uint64, consumer Address) bool
}

// Upkeep is a job that an automation keeper can check and perform
type Upkeep interface {
	CheckUpkeep(ctx context.Context, checkData []byte) (bool, []byte)
	PerformUpkeep(ctx context.Context, performData []byte) error
}

// Wallet sends funds held by the raffle to a winner
type Wallet interface {
	Send(ctx context.Context, to Address, amount uint64) error
}

// WordGenerator produces the random words delivered for a request
type WordGenerator interface {
	Generate(requestID uint64, numWords uint32) ([]*big.Int, error)
}

// SnapshotStore persists raffle snapshots
type SnapshotStore interface {
	Save(ctx context.Context, snapshot *RaffleSnapshot) error
	Load(ctx context.Context, raffle Address) (*RaffleSnapshot, error)
	Delete(ctx context.Context, raffle Address) error
}

// Locker guards a critical section across processes. TryAcquireLock makes a
// single attempt and reports a lock held elsewhere as false, nil.
type Locker interface {
	TryAcquireLock(ctx context.Context, lockKey, lockValue string, expireTime time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey, lockValue string) (bool, error)
}

// Logger defines the interface for logging operations
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Debug(msg string, args ...any)
}
