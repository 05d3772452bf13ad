package remote

import (
	"errors"
	"fmt"
)

// ErrMalformed is returned when the server answered with something that is
// neither a success, a conflict nor an error.
var ErrMalformed = errors.New("malformed remote response")

// StatusError is a non-success HTTP status from the server.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote status %d", e.Code)
	}
	return fmt.Sprintf("remote status %d: %s", e.Code, e.Body)
}
