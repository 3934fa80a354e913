package status

import "fmt"

// Status mirrors google.rpc.Status as returned by the remote asset API.
type Status struct {
	Code    StatusCode
	Message string
}

func (s Status) OK() bool {
	return s.Code == Status_OK
}

func (s Status) Err() error {
	if s.OK() {
		return nil
	}
	return fmt.Errorf("%s: %s", s.Code, s.Message)
}

type StatusCode int32

// The subset of google.rpc.Code values the remote asset API uses.
const (
	Status_OK                 StatusCode = 0
	Status_UNKNOWN            StatusCode = 2
	Status_DEADLINE_EXCEEDED  StatusCode = 4
	Status_NOT_FOUND          StatusCode = 5
	Status_PERMISSION_DENIED  StatusCode = 7
	Status_RESOURCE_EXHAUSTED StatusCode = 8
	Status_ABORTED            StatusCode = 10
	Status_INTERNAL           StatusCode = 13
	Status_UNAVAILABLE        StatusCode = 14
)

func (c StatusCode) String() string {
	switch c {
	case Status_OK:
		return "OK"
	case Status_UNKNOWN:
		return "UNKNOWN"
	case Status_DEADLINE_EXCEEDED:
		return "DEADLINE_EXCEEDED"
	case Status_NOT_FOUND:
		return "NOT_FOUND"
	case Status_PERMISSION_DENIED:
		return "PERMISSION_DENIED"
	case Status_RESOURCE_EXHAUSTED:
		return "RESOURCE_EXHAUSTED"
	case Status_ABORTED:
		return "ABORTED"
	case Status_INTERNAL:
		return "INTERNAL"
	case Status_UNAVAILABLE:
		return "UNAVAILABLE"
	}
	return fmt.Sprintf("CODE(%d)", int32(c))
}

// Retryable reports whether a failed call may succeed when repeated.
func (c StatusCode) Retryable() bool {
	switch c {
	case Status_DEADLINE_EXCEEDED, Status_RESOURCE_EXHAUSTED, Status_ABORTED, Status_UNAVAILABLE:
		return true
	}
	return false
}
