package driver

import (
	"errors"
	"fmt"
	"net"
	"net/http"

	"kumo/internal/poll"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/aws/smithy-go"
	"google.golang.org/api/googleapi"
)

// Error kinds. Every error returned by a driver operation matches exactly
// one of the first four with errors.Is; a poll budget running out also
// matches ErrOperationTimeout.
var (
	ErrProvisioning     = errors.New("provisioning failed")
	ErrExport           = errors.New("export failed")
	ErrImport           = errors.New("import failed")
	ErrTransfer         = errors.New("transfer failed")
	ErrOperationTimeout = poll.ErrTimeout
)

// OpError is the error returned by driver operations
type OpError struct {
	Kind     error
	Provider Provider
	Op       string
	Err      error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s: %v: %v", e.Provider, e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As
func (e *OpError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func opError(kind error, p Provider, op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *OpError
	if errors.As(err, &existing) && existing.Op == op {
		return err
	}
	return &OpError{Kind: kind, Provider: p, Op: op, Err: err}
}

// KindOf names the error kind for job reports. A timeout takes precedence
// over the operation's own kind so operators can tell "may still finish"
// from "rejected".
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrOperationTimeout):
		return "OperationTimeoutError"
	case errors.Is(err, ErrProvisioning):
		return "ProvisioningError"
	case errors.Is(err, ErrExport):
		return "ExportError"
	case errors.Is(err, ErrImport):
		return "ImportError"
	case errors.Is(err, ErrTransfer):
		return "TransferError"
	}
	return "Error"
}

// throttlingCodes are AWS error codes that clear up on their own
var throttlingCodes = map[string]bool{
	"Throttling":               true,
	"ThrottlingException":      true,
	"RequestLimitExceeded":     true,
	"RequestThrottled":         true,
	"TooManyRequestsException": true,
	"SlowDown":                 true,
	"InternalError":            true,
	"InternalFailure":          true,
	"ServiceUnavailable":       true,
	"Unavailable":              true,
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

// isTransient reports whether a failed status read is worth repeating:
// provider throttling, 5xx responses and network timeouts
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && throttlingCodes[apiErr.ErrorCode()] {
		return true
	}
	var withStatus interface{ HTTPStatusCode() int }
	if errors.As(err, &withStatus) && retryableStatus(withStatus.HTTPStatusCode()) {
		return true
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && retryableStatus(gerr.Code) {
		return true
	}
	var re *azcore.ResponseError
	if errors.As(err, &re) && retryableStatus(re.StatusCode) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
