package vhci

import "fmt"

// Status is the result code carried in Message.Status.
type Status uint16

const (
	// StatusNone means no status has been reported yet.
	StatusNone          Status = 0
	StatusSuccess       Status = 1
	StatusFailure       Status = 2
	StatusPipeStall     Status = 3
	StatusAbort         Status = 4
	StatusBadArgument   Status = 5
	StatusOverrun       Status = 6
	StatusInternalError Status = 7
	StatusNoPower       Status = 8
	StatusUnsupported   Status = 9
)

var statusNames = map[Status]string{
	StatusNone:          "none",
	StatusSuccess:       "success",
	StatusFailure:       "failure",
	StatusPipeStall:     "pipe stall",
	StatusAbort:         "abort",
	StatusBadArgument:   "bad argument",
	StatusOverrun:       "overrun",
	StatusInternalError: "internal error",
	StatusNoPower:       "no power",
	StatusUnsupported:   "unsupported",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", uint16(s))
}

// EndpointState is the device-side state of an endpoint.
type EndpointState uint64

const (
	EndpointActive  EndpointState = 0
	EndpointPaused  EndpointState = 1
	EndpointStalled EndpointState = 2
)

func (s EndpointState) String() string {
	switch s {
	case EndpointActive:
		return "active"
	case EndpointPaused:
		return "paused"
	case EndpointStalled:
		return "stalled"
	default:
		return fmt.Sprintf("state(%d)", uint64(s))
	}
}
