package activitypub

import (
	"errors"
	"fmt"
)

var (
	ErrSignatureInvalid    = errors.New("activitypub: invalid http signature")
	ErrUnsupportedActivity = errors.New("activitypub: unsupported activity")
	ErrOwnershipMismatch   = errors.New("activitypub: actor does not own object")
	ErrNotFederated        = errors.New("activitypub: visibility is not federated")
	ErrNotLocal            = errors.New("activitypub: target is not a local actor")
	ErrUnknownTarget       = errors.New("activitypub: unknown target object")
	ErrInvalidActivity     = errors.New("activitypub: malformed activity")
)

// HTTPStatusError is returned when a remote server answers with an unexpected status.
type HTTPStatusError struct {
	URL    string
	Status int
	Body   string
}

func (e *HTTPStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s returned status %d: %s", e.URL, e.Status, e.Body)
	}
	return fmt.Sprintf("%s returned status %d", e.URL, e.Status)
}

// Permanent reports 4xx answers other than 408 and 429.
func (e *HTTPStatusError) Permanent() bool {
	return e.Status >= 400 && e.Status < 500 && e.Status != 408 && e.Status != 429
}
