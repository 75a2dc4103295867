// Package s3 is the optional drop box for sneakernet export files: an S3 or
// S3-compatible bucket (AWS, MinIO, Cloudflare R2) reached through the AWS SDK.
package s3

import (
	"regexp"
	"strings"

	apperrors "github.com/fieldledger/fieldledger/backend/internal/errors"
)

const defaultAWSRegion = "us-east-1"

// regionPattern matches names like eu-central-1 and us-gov-west-1.
var regionPattern = regexp.MustCompile(`^(us|eu|ap|ca|sa|me|af|il|mx|cn)(-gov)?-[a-z]+-[0-9]{1,2}$`)

// IsValidAWSRegion reports whether region is shaped like an AWS region name.
func IsValidAWSRegion(region string) bool {
	return regionPattern.MatchString(region)
}

// awsEndpoint returns the regional endpoint host. us-east-1 keeps the legacy
// global host; China regions live under their own domain.
func awsEndpoint(region string) string {
	switch {
	case region == defaultAWSRegion:
		return "s3.amazonaws.com"
	case strings.HasPrefix(region, "cn-"):
		return "s3." + region + ".amazonaws.com.cn"
	default:
		return "s3." + region + ".amazonaws.com"
	}
}

// awsTarget uses virtual-host style addressing on the regional endpoint.
// An explicit endpoint skips the region check.
func awsTarget(cfg Config) (Target, error) {
	region := cfg.Region
	if region == "" {
		region = defaultAWSRegion
	}
	if cfg.Endpoint != "" {
		return Target{Endpoint: withScheme(cfg.Endpoint, true), Region: region}, nil
	}
	if !IsValidAWSRegion(region) {
		return Target{}, apperrors.Newf(apperrors.ErrInvalid, "unknown AWS region %q", region)
	}
	return Target{Endpoint: "https://" + awsEndpoint(region), Region: region}, nil
}
