package remote

import (
	"fmt"
	"strings"
)

// S3 providers understood by NewS3Directory.
const (
	ProviderAWS   = "aws"
	ProviderMinIO = "minio"
	ProviderR2    = "r2"
)

// S3Settings describes an S3-compatible bucket.
type S3Settings struct {
	Provider  string
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	AccountID string // R2 only
	UseSSL    bool   // MinIO endpoints without a scheme
}

// s3Target is the resolved client configuration for one provider.
type s3Target struct {
	Endpoint  string // empty lets the SDK resolve it
	Region    string
	PathStyle bool
}

// Standard AWS S3 regional endpoints.
var awsEndpoints = map[string]string{
	"us-east-1":      "s3.amazonaws.com",
	"us-east-2":      "s3.us-east-2.amazonaws.com",
	"us-west-1":      "s3.us-west-1.amazonaws.com",
	"us-west-2":      "s3.us-west-2.amazonaws.com",
	"eu-west-1":      "s3.eu-west-1.amazonaws.com",
	"eu-west-2":      "s3.eu-west-2.amazonaws.com",
	"eu-west-3":      "s3.eu-west-3.amazonaws.com",
	"eu-central-1":   "s3.eu-central-1.amazonaws.com",
	"eu-north-1":     "s3.eu-north-1.amazonaws.com",
	"eu-south-1":     "s3.eu-south-1.amazonaws.com",
	"me-south-1":     "s3.me-south-1.amazonaws.com",
	"me-central-1":   "s3.me-central-1.amazonaws.com",
	"il-central-1":   "s3.il-central-1.amazonaws.com",
	"ap-south-1":     "s3.ap-south-1.amazonaws.com",
	"ap-southeast-1": "s3.ap-southeast-1.amazonaws.com",
	"ca-central-1":   "s3.ca-central-1.amazonaws.com",
	"af-south-1":     "s3.af-south-1.amazonaws.com",
}

// AWSEndpointForRegion returns the S3 endpoint for a given region.
func AWSEndpointForRegion(region string) (string, error) {
	endpoint, ok := awsEndpoints[region]
	if !ok {
		return "", fmt.Errorf("unknown AWS region: %s", region)
	}
	return endpoint, nil
}

// R2EndpointForAccount returns the R2 S3 API endpoint for an account.
func R2EndpointForAccount(accountID string) string {
	return fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID)
}

// IsValidR2AccountID checks for a 32-character hex account id.
func IsValidR2AccountID(accountID string) bool {
	if len(accountID) != 32 {
		return false
	}
	for _, c := range accountID {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

// normalizeEndpoint adds a scheme when missing and drops a trailing slash.
func normalizeEndpoint(endpoint string, useSSL bool) string {
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if useSSL {
			endpoint = "https://" + endpoint
		} else {
			endpoint = "http://" + endpoint
		}
	}
	return strings.TrimSuffix(endpoint, "/")
}

// resolveS3Target maps provider settings to client options.
// AWS uses virtual-host URLs, MinIO needs path-style, R2 uses region "auto".
func resolveS3Target(s S3Settings) (s3Target, error) {
	if s.Bucket == "" {
		return s3Target{}, fmt.Errorf("s3 bucket is required")
	}

	switch strings.ToLower(s.Provider) {
	case "", ProviderAWS:
		region := s.Region
		if region == "" {
			region = "us-east-1"
		}
		t := s3Target{Region: region}
		if s.Endpoint != "" {
			t.Endpoint = normalizeEndpoint(s.Endpoint, true)
		} else if endpoint, err := AWSEndpointForRegion(region); err == nil {
			t.Endpoint = "https://" + endpoint
		}
		return t, nil

	case ProviderMinIO:
		if s.Endpoint == "" {
			return s3Target{}, fmt.Errorf("minio endpoint is required")
		}
		return s3Target{
			Endpoint:  normalizeEndpoint(s.Endpoint, s.UseSSL),
			Region:    "us-east-1",
			PathStyle: true,
		}, nil

	case ProviderR2:
		if !IsValidR2AccountID(s.AccountID) {
			return s3Target{}, fmt.Errorf("invalid R2 account id %q", s.AccountID)
		}
		return s3Target{
			Endpoint: R2EndpointForAccount(s.AccountID),
			Region:   "auto",
		}, nil

	default:
		return s3Target{}, fmt.Errorf("unknown s3 provider %q (want aws, minio or r2)", s.Provider)
	}
}
