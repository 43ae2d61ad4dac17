package platform

import "fmt"

// ConnectionError reports that the instrumentation service could not be
// reached or refused the caller's credentials.
type ConnectionError struct {
	Backend string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connect: %v", e.Backend, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SubscriptionError reports that the process creation query was rejected.
type SubscriptionError struct {
	Backend string
	Err     error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("%s: subscribe: %v", e.Backend, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// CancellationError reports that the OS refused or ignored a cancel
// request. Local resources have still been released.
type CancellationError struct {
	Backend string
	Err     error
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("%s: cancel: %v", e.Backend, e.Err)
}

func (e *CancellationError) Unwrap() error { return e.Err }
