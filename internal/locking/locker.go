// Package locking keeps two pipelines from capturing the same server at once.
package locking

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// ErrLockHeld is returned by AcquireLock while another pipeline holds a live lease
var ErrLockHeld = errors.New("lock is held by another pipeline")

// Locker is a lease on one named lock
type Locker interface {
	// AcquireLock takes the lease and returns its id
	AcquireLock(ctx context.Context) (string, error)

	// RenewLock extends the lease
	RenewLock(ctx context.Context) error

	// StartLockRenewal renews the lease in the background until ctx is done
	StartLockRenewal(ctx context.Context)

	// ReleaseLock gives the lease up
	ReleaseLock(ctx context.Context) error
}

// LockerFactory creates Lockers based on the lock configuration
type LockerFactory struct {
	lockType         string
	connectionString string
	containerName    string
	runID            string
	logger           hclog.Logger
}

// NewLockerFactory initializes a new LockerFactory. runID identifies this pipeline as the
// lease holder.
func NewLockerFactory(lockType, connectionString, containerName, runID string, logger hclog.Logger) *LockerFactory {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &LockerFactory{
		lockType:         lockType,
		connectionString: connectionString,
		containerName:    containerName,
		runID:            runID,
		logger:           logger,
	}
}

// LockName returns the lock guarding one server: "<server>/capture.lock"
func (f *LockerFactory) LockName(server string) string {
	return strings.ToLower(server) + "/capture.lock"
}

// CreateLocker creates a Locker for the named lock
func (f *LockerFactory) CreateLocker(ctx context.Context, lockName string) (Locker, error) {
	switch f.lockType {
	case "azure_blob":
		return NewBlobLocker(ctx, f.connectionString, f.containerName, lockName, f.runID, f.logger)
	default:
		return nil, fmt.Errorf("unsupported lock type: %s", f.lockType)
	}
}
