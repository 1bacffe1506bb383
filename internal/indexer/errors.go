package indexer

import "fmt"

// TransientError marks a fetch failure worth retrying: network faults,
// timeouts, indexer 5xx responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient fetch error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// MalformedError marks a schema violation in the indexer response. It is
// never retried; the enclosing cycle aborts and the response is logged.
type MalformedError struct {
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed indexer response (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed indexer response (%s)", e.Reason)
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}
