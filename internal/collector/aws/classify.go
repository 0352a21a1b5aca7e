package aws

import (
	"context"
	"errors"
	"net"

	"github.com/aws/smithy-go"
	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/yairfalse/cartograph/internal/fault"
)

var throttlingCodes = map[string]bool{
	"Throttling":                             true,
	"ThrottlingException":                    true,
	"ThrottledException":                     true,
	"RequestThrottled":                       true,
	"RequestThrottledException":              true,
	"RequestLimitExceeded":                   true,
	"TooManyRequestsException":               true,
	"ProvisionedThroughputExceededException": true,
	"SlowDown":                               true,
	"PriorRequestNotComplete":                true,
	"EC2ThrottledException":                  true,
	"BandwidthLimitExceeded":                 true,
}

var authCodes = map[string]bool{
	"AccessDenied":                true,
	"AccessDeniedException":       true,
	"UnauthorizedOperation":       true,
	"UnauthorizedException":       true,
	"AuthFailure":                 true,
	"ExpiredToken":                true,
	"ExpiredTokenException":       true,
	"InvalidClientTokenId":        true,
	"InvalidAccessKeyId":          true,
	"UnrecognizedClientException": true,
	"SignatureDoesNotMatch":       true,
	"OptInRequired":               true,
}

var transientCodes = map[string]bool{
	"RequestTimeout":          true,
	"RequestTimeoutException": true,
	"InternalError":           true,
	"InternalFailure":         true,
	"InternalServerError":     true,
	"ServiceUnavailable":      true,
}

// Classify wraps err with the fault kind the orchestrator's retry policy
// branches on. Already classified and context errors pass through.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case throttlingCodes[code]:
			return fault.Throttling(op, err)
		case authCodes[code]:
			return fault.Auth(op, err)
		case transientCodes[code]:
			return fault.Network(op, err)
		}
	}

	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) {
		switch code := status.HTTPStatusCode(); {
		case code == 429:
			return fault.Throttling(op, err)
		case code == 401 || code == 403:
			return fault.Auth(op, err)
		case code >= 500:
			return fault.Network(op, err)
		}
	}

	switch {
	case apierrors.IsUnauthorized(err) || apierrors.IsForbidden(err):
		return fault.Auth(op, err)
	case apierrors.IsTooManyRequests(err):
		return fault.Throttling(op, err)
	case apierrors.IsServerTimeout(err) || apierrors.IsTimeout(err) || apierrors.IsServiceUnavailable(err):
		return fault.Network(op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fault.Network(op, err)
	}

	return fault.New(fault.KindUnknown, op, err)
}
