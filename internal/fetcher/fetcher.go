package fetcher

import (
	"context"
	"errors"

	"compliance-watch/internal/storage"
)

// ErrNotFound is returned when the authority does not know the taxpayer.
var ErrNotFound = errors.New("fetcher: taxpayer not found")

// DataSource retrieves compliance data for a taxpayer from the authority.
type DataSource interface {
	GetFiscalStatus(ctx context.Context, entityID string) (*storage.FiscalStatus, error)
	GetRegistrationStatus(ctx context.Context, entityID string) (*storage.RegistrationStatus, error)
	GetEntityProfile(ctx context.Context, entityID string) (*storage.TaxpayerProfile, error)
}

// SnapshotSource fetches every sub-check in one call.
type SnapshotSource interface {
	FetchSnapshot(ctx context.Context, entityID string) (*storage.ComplianceSnapshot, error)
}
