package upstream

import (
	"errors"
	"fmt"
)

var (
	ErrUnsuccessful = errors.New("upstream reported failure")
	ErrMalformed    = errors.New("malformed upstream response")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned status %d", e.Code)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.Code, e.Body)
}
