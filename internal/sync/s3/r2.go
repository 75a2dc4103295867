package s3

import (
	"fmt"

	apperrors "github.com/fieldledger/fieldledger/backend/internal/errors"
)

// r2Target builds the account endpoint https://<account>.r2.cloudflarestorage.com.
// R2 has no regions; the signer uses "auto".
func r2Target(cfg Config) (Target, error) {
	if !IsValidR2AccountID(cfg.AccountID) {
		return Target{}, apperrors.Newf(apperrors.ErrInvalid, "invalid R2 account id %q", cfg.AccountID)
	}
	return Target{Endpoint: R2Endpoint(cfg.AccountID), Region: "auto"}, nil
}

// R2Endpoint returns the S3 API endpoint of an R2 account.
func R2Endpoint(accountID string) string {
	return fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID)
}

// IsValidR2AccountID checks for the 32 hex character account id format.
func IsValidR2AccountID(accountID string) bool {
	if len(accountID) != 32 {
		return false
	}
	for _, c := range accountID {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
