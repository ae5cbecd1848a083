package instances

import (
	"context"
	"fmt"
)

// R2 uses the "auto" region for every bucket.
const r2Region = "auto"

// R2Endpoint returns the S3 API endpoint of a Cloudflare account.
func R2Endpoint(accountID string) string {
	return fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID)
}

// NewR2Driver builds a driver for a Cloudflare R2 bucket. R2 only accepts
// static credentials.
func NewR2Driver(ctx context.Context, accountID, accessKeyID, secretAccessKey, bucket string) (*S3Driver, error) {
	return NewS3Driver(ctx, S3Config{
		Name:      "r2",
		Endpoint:  R2Endpoint(accountID),
		Region:    r2Region,
		AccessKey: accessKeyID,
		SecretKey: secretAccessKey,
		Bucket:    bucket,
	})
}
