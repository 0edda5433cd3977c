package locking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/lease"
	"github.com/hashicorp/go-hclog"
)

// DefaultLockTTL is the lease duration. A holder that stops renewing loses the lock after it.
const DefaultLockTTL = 60 * time.Second

const holderKey = "holder"

// BlobLocker holds an Azure blob lease on an empty lock blob
type BlobLocker struct {
	lockName string
	runID    string
	lockTTL  time.Duration

	blobClient      *blob.Client
	blobLeaseClient *lease.BlobClient
	logger          hclog.Logger
}

// NewBlobLocker ensures the container and the lock blob exist. runID is proposed as the lease id.
func NewBlobLocker(ctx context.Context, connectionString, containerName, lockName, runID string, logger hclog.Logger) (*BlobLocker, error) {
	azblobClient, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}
	_, err = azblobClient.CreateContainer(ctx, containerName, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil, fmt.Errorf("failed to create or check container: %w", err)
	}

	blockblobClient, err := blockblob.NewClientFromConnectionString(connectionString, containerName, lockName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create block blob client: %w", err)
	}
	// a leased blob rejects the upload, which means it exists
	_, err = blockblobClient.UploadBuffer(ctx, []byte{}, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.LeaseIDMissing) {
		return nil, fmt.Errorf("failed to ensure blob exists: %w", err)
	}

	blobLeaseClient, err := lease.NewBlobClient(blockblobClient, &lease.BlobClientOptions{LeaseID: &runID})
	if err != nil {
		return nil, fmt.Errorf("failed to create blob lease client: %w", err)
	}

	return &BlobLocker{
		lockName:        lockName,
		runID:           runID,
		lockTTL:         DefaultLockTTL,
		blobClient:      blockblobClient.BlobClient(),
		blobLeaseClient: blobLeaseClient,
		logger:          logger.Named("lock").With("lock", lockName),
	}, nil
}

// AcquireLock takes the lease and records this run as the holder. It returns ErrLockHeld
// while another pipeline's lease is live.
func (bl *BlobLocker) AcquireLock(ctx context.Context) (string, error) {
	bl.logger.Debug("Attempting to acquire lock")

	resp, err := bl.blobLeaseClient.AcquireLease(ctx, int32(bl.lockTTL.Seconds()), nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.LeaseAlreadyPresent) {
			bl.logHolder(ctx)
			return "", fmt.Errorf("%w: %s", ErrLockHeld, bl.lockName)
		}
		return "", fmt.Errorf("failed to acquire lock for blob %s: %w", bl.lockName, err)
	}
	leaseID := *resp.LeaseID

	_, err = bl.blobClient.SetMetadata(ctx, map[string]*string{holderKey: &bl.runID}, &blob.SetMetadataOptions{
		AccessConditions: &blob.AccessConditions{
			LeaseAccessConditions: &blob.LeaseAccessConditions{LeaseID: &leaseID},
		},
	})
	if err != nil {
		bl.logger.Warn("Failed to record lock holder", "error", err)
	}

	bl.logger.Info("Lock acquired", "leaseID", leaseID, "ttl", bl.lockTTL)
	return leaseID, nil
}

func (bl *BlobLocker) logHolder(ctx context.Context) {
	props, err := bl.blobClient.GetProperties(ctx, nil)
	if err != nil {
		bl.logger.Warn("Lock is held, failed to read its properties", "error", err)
		return
	}
	holder := "unknown"
	for k, v := range props.Metadata {
		if strings.EqualFold(k, holderKey) && v != nil {
			holder = *v
		}
	}
	var age time.Duration
	if props.LastModified != nil {
		age = time.Since(*props.LastModified).Round(time.Second)
	}
	bl.logger.Info("Lock is held by another pipeline", "holder", holder, "heldFor", age)
}

func (bl *BlobLocker) RenewLock(ctx context.Context) error {
	if _, err := bl.blobLeaseClient.RenewLease(ctx, nil); err != nil {
		return fmt.Errorf("failed to renew lock for blob %s: %w", bl.lockName, err)
	}
	bl.logger.Trace("Lock renewed")
	return nil
}

// StartLockRenewal renews the lease three times per TTL until ctx is done
func (bl *BlobLocker) StartLockRenewal(ctx context.Context) {
	bl.logger.Debug("Starting lock renewal")
	go func() {
		ticker := time.NewTicker(bl.lockTTL / 3)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := bl.RenewLock(ctx); err != nil && ctx.Err() == nil {
					bl.logger.Error("Failed to renew lock", "error", err)
				}
			case <-ctx.Done():
				bl.logger.Debug("Stopping lock renewal")
				return
			}
		}
	}()
}

func (bl *BlobLocker) ReleaseLock(ctx context.Context) error {
	if _, err := bl.blobLeaseClient.ReleaseLease(ctx, nil); err != nil {
		return fmt.Errorf("failed to release lock for blob %s: %w", bl.lockName, err)
	}
	bl.logger.Info("Lock released")
	return nil
}
