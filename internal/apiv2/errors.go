package apiv2

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// APIError is a non-2xx control-plane response mapped onto the dmdata error
// taxonomy. Status is the HTTP status code; Code and Message come from the
// response body when the server supplied them.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("dmdata api error: status %d, code %d: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("dmdata api error: status %d", e.Status)
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status}
	var envelope struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}
	return apiErr
}

func statusIs(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// IsUnauthorized reports an invalid or expired credential (401).
func IsUnauthorized(err error) bool { return statusIs(err, http.StatusUnauthorized) }

// IsNotValidContract reports a contract/quota problem (402).
func IsNotValidContract(err error) bool { return statusIs(err, http.StatusPaymentRequired) }

// IsForbidden reports a permission problem (403).
func IsForbidden(err error) bool { return statusIs(err, http.StatusForbidden) }

// IsRateLimited reports request throttling (429).
func IsRateLimited(err error) bool { return statusIs(err, http.StatusTooManyRequests) }

// IsServerError reports a 5xx control-plane failure.
func IsServerError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status >= 500
}
