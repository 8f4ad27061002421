package api

import "fmt"

// RemoteError represents a transport or HTTP failure from the DHIS2 server.
// 5xx and timeout classes are retried by the client before this surfaces;
// 4xx propagates immediately as a configuration/auth problem.
type RemoteError struct {
	Status int
	Body   string
}

func (e *RemoteError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("remote request failed: %s", e.Body)
	}
	return fmt.Sprintf("remote request failed with status %d: %s", e.Status, e.Body)
}

// Retryable reports whether the failure class is worth retrying.
func (e *RemoteError) Retryable() bool {
	return e.Status == 0 || e.Status == 429 || e.Status >= 500
}

// ProtocolError represents a response that came back 2xx but whose body
// does not match the expected shape. Fatal to the fetch that produced it.
type ProtocolError struct {
	Endpoint string
	Reason   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed response from %s: %s", e.Endpoint, e.Reason)
}
