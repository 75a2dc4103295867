package s3

import (
	"strings"

	apperrors "github.com/fieldledger/fieldledger/backend/internal/errors"
)

// minioTarget uses path-style URLs, which MinIO requires. MinIO ignores the
// region but the signer needs one.
func minioTarget(cfg Config) (Target, error) {
	if cfg.Endpoint == "" {
		return Target{}, apperrors.New(apperrors.ErrInvalid, "minio endpoint is required")
	}
	region := cfg.Region
	if region == "" {
		region = defaultAWSRegion
	}
	return Target{Endpoint: withScheme(cfg.Endpoint, cfg.UseSSL), Region: region, PathStyle: true}, nil
}

// withScheme adds http:// or https:// when missing and trims a trailing slash.
func withScheme(endpoint string, useSSL bool) string {
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if useSSL {
			endpoint = "https://" + endpoint
		} else {
			endpoint = "http://" + endpoint
		}
	}
	return strings.TrimSuffix(endpoint, "/")
}
