package signing

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/smithy-go"

	"github.com/kenneth/hsm-signing-gateway/internal/hsm"
)

// UnknownProviderError is returned when no provider is configured under ID.
type UnknownProviderError struct {
	ID string
}

func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("signing: no provider configured with id %q", e.ID)
}

// Error classes reported in metrics and used by the API to pick a status.
const (
	ErrorTypeConfig          = "config"
	ErrorTypeUnknownProvider = "unknown_provider"
	ErrorTypeUnsupported     = "unsupported_type"
	ErrorTypeDependency      = "dependency"
	ErrorTypeDestroyed       = "destroyed"
	ErrorTypeTimeout         = "timeout"
	ErrorTypeCanceled        = "canceled"
	ErrorTypeSigning         = "signing"
)

// ErrorType classifies err. Remote KMS failures are reported by their AWS
// error code (for example ThrottlingException).
func ErrorType(err error) string {
	var (
		unknown     *UnknownProviderError
		unsupported *hsm.UnsupportedTypeError
		dependency  *hsm.DependencyError
		apiErr      smithy.APIError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &unknown):
		return ErrorTypeUnknownProvider
	case hsm.IsConfigError(err):
		return ErrorTypeConfig
	case errors.As(err, &unsupported):
		return ErrorTypeUnsupported
	case errors.As(err, &dependency):
		return ErrorTypeDependency
	case errors.Is(err, hsm.ErrProviderDestroyed), errors.Is(err, hsm.ErrFactoryClosed):
		return ErrorTypeDestroyed
	case errors.As(err, &apiErr):
		return apiErr.ErrorCode()
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout
	case errors.Is(err, context.Canceled):
		return ErrorTypeCanceled
	default:
		return ErrorTypeSigning
	}
}
