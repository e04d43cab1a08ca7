package lottery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"
)

var bucketSnapshots = []byte("raffle_snapshots")

// BoltSnapshotStore keeps raffle snapshots in a local bbolt file
type BoltSnapshotStore struct {
	db     *bbolt.DB
	logger Logger
}

// OpenBoltSnapshotStore opens or creates the bbolt database at dbPath.
// The parent directory is created if it does not exist.
func OpenBoltSnapshotStore(dbPath string, logger Logger) (*BoltSnapshotStore, error) {
	if logger == nil {
		logger = NewSilentLogger()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, ErrStateSaveFailure.WithDetails("create directory").WithCause(err)
	}

	db, err := bbolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, ErrStateLoadFailure.WithDetails("open bolt db").WithCause(err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSnapshots)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, ErrStateSaveFailure.WithDetails("create bucket").WithCause(err)
	}

	logger.Info("Bolt snapshot store opened at %s", dbPath)
	return &BoltSnapshotStore{db: db, logger: logger}, nil
}

// Close closes the underlying database
func (s *BoltSnapshotStore) Close() error { return s.db.Close() }

// Save writes snap under the address of its raffle
func (s *BoltSnapshotStore) Save(ctx context.Context, snap *RaffleSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := serializeSnapshot(snap)
	if err != nil {
		return err
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put([]byte(snap.Address), data)
	})
	if err != nil {
		s.logger.Error("Failed to save snapshot of %s: %v", snap.Address, err)
		return ErrStateSaveFailure.WithCause(err)
	}

	s.logger.Debug("Saved snapshot of %s, size=%d bytes", snap.Address, len(data))
	return nil
}

// Load reads the snapshot of addr. It returns nil, nil when none exists.
func (s *BoltSnapshotStore) Load(ctx context.Context, addr Address) (*RaffleSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if addr.IsZero() {
		return nil, ErrInvalidParameters.WithDetails("empty raffle address")
	}

	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		// Bytes returned by Get are only valid inside the transaction.
		if v := tx.Bucket(bucketSnapshots).Get([]byte(addr)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, ErrStateLoadFailure.WithCause(err)
	}
	if data == nil {
		return nil, nil
	}
	return deserializeSnapshot(data)
}

// Delete removes the snapshot of addr
func (s *BoltSnapshotStore) Delete(ctx context.Context, addr Address) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Delete([]byte(addr))
	})
	if err != nil {
		return ErrStateSaveFailure.WithCause(err)
	}
	return nil
}

// Addresses lists the raffles with a stored snapshot in key order
func (s *BoltSnapshotStore) Addresses() ([]Address, error) {
	var out []Address
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSnapshots).ForEach(func(k, _ []byte) error {
			out = append(out, Address(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return out, nil
}
