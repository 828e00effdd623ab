package provider

import (
	"errors"
	"fmt"
)

// ErrStreamClosed is returned when the push stream shuts down on
// request.
var ErrStreamClosed = errors.New("push stream closed")

// APIError is a persistent downstream failure: a non-429 4xx or a
// response the client cannot decode. It is surfaced to the caller and
// never retried.
type APIError struct {
	Status   int
	Endpoint string
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider returned %d for %s: %s", e.Status, e.Endpoint, e.Body)
}

// IsAPIError reports whether err carries a persistent provider
// failure.
func IsAPIError(err error) bool {
	var ae *APIError
	return errors.As(err, &ae)
}
