package instances

import (
	"context"
	"errors"
	"net"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"

	"github.com/canonical/chopsticks/types"
)

// apiErrorCategories maps S3 API error codes to categories.
var apiErrorCategories = map[string]types.ErrorCategory{
	"NoSuchKey":             types.ErrNotFound,
	"NoSuchBucket":          types.ErrNotFound,
	"NotFound":              types.ErrNotFound,
	"AccessDenied":          types.ErrPermission,
	"AllAccessDisabled":     types.ErrPermission,
	"Forbidden":             types.ErrPermission,
	"InvalidAccessKeyId":    types.ErrPermission,
	"SignatureDoesNotMatch": types.ErrPermission,
	"ExpiredToken":          types.ErrPermission,
	"SlowDown":              types.ErrThrottled,
	"Throttling":            types.ErrThrottled,
	"ThrottlingException":   types.ErrThrottled,
	"RequestLimitExceeded":  types.ErrThrottled,
	"TooManyRequests":       types.ErrThrottled,
	"ServiceUnavailable":    types.ErrThrottled,
	"RequestTimeout":        types.ErrTimeout,
	"InvalidArgument":       types.ErrValidation,
	"InvalidRange":          types.ErrValidation,
	"InvalidRequest":        types.ErrValidation,
	"EntityTooLarge":        types.ErrValidation,
	"InternalError":         types.ErrServer,
}

// Classify derives the category of a driver error from its type: the
// S3 API error code first, then the HTTP status of the response. It
// returns the empty category when the error carries neither, so callers
// fall back to types.ClassifyError on the message.
func Classify(err error) types.ErrorCategory {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrNotFound) {
		return types.ErrNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.ErrTimeout
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if c, ok := apiErrorCategories[apiErr.ErrorCode()]; ok {
			return c
		}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		if c := types.StatusCategory(respErr.HTTPStatusCode()); c != types.ErrUnknown {
			return c
		}
	}
	if apiErr != nil && apiErr.ErrorFault() == smithy.FaultServer {
		return types.ErrServer
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return types.ErrTimeout
		}
		return types.ErrConnection
	}
	return ""
}
