package export

import "context"

// ServiceInterface defines the contract for export services.
// This interface allows mocking in the desktop API handlers.
type ServiceInterface interface {
	Export(ctx context.Context, cfg ExportConfig) (*ExportResult, error)
	Import(ctx context.Context, cfg ImportConfig) (*ImportResult, error)
	ImportFromStore(ctx context.Context, name, passphrase string) (*ImportResult, error)
}

// Ensure *Service implements the interface at compile time.
var _ ServiceInterface = (*Service)(nil)
