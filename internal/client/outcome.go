package client

import "net/http"

// Outcome is the platform-level result of a dispatched request.
type Outcome int

const (
	// OutcomeUnknown is any status the platform does not document
	OutcomeUnknown Outcome = iota
	// OutcomeAccepted means the request was processed for the first time
	OutcomeAccepted
	// OutcomeRepeated means an identical request had already been processed
	OutcomeRepeated
	// OutcomeRejected means the request was understood but refused
	OutcomeRejected
	// OutcomeConflicted means it clashes with an earlier, different request
	OutcomeConflicted
	// OutcomeFailed means the platform could not process it; try again later
	OutcomeFailed
	// OutcomeClientError means the request itself is wrong; do not retry as is
	OutcomeClientError
)

var outcomeNames = map[Outcome]string{
	OutcomeUnknown:     "unknown",
	OutcomeAccepted:    "accepted",
	OutcomeRepeated:    "repeated",
	OutcomeRejected:    "rejected",
	OutcomeConflicted:  "conflicted",
	OutcomeFailed:      "failed",
	OutcomeClientError: "client_error",
}

func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return "unknown"
}

// Retryable reports whether sending the same request later may succeed.
func (o Outcome) Retryable() bool {
	return o == OutcomeFailed
}

var outcomeTable = map[int]Outcome{
	http.StatusCreated:   OutcomeAccepted,
	http.StatusAccepted:  OutcomeAccepted,
	http.StatusNoContent: OutcomeAccepted,

	http.StatusOK: OutcomeRepeated,

	http.StatusConflict: OutcomeConflicted,

	http.StatusPreconditionFailed:  OutcomeRejected,
	http.StatusUnprocessableEntity: OutcomeRejected,

	http.StatusBadRequest:            OutcomeClientError,
	http.StatusUnauthorized:          OutcomeClientError,
	http.StatusForbidden:             OutcomeClientError,
	http.StatusNotFound:              OutcomeClientError,
	http.StatusMethodNotAllowed:      OutcomeClientError,
	http.StatusNotAcceptable:         OutcomeClientError,
	http.StatusLengthRequired:        OutcomeClientError,
	http.StatusRequestEntityTooLarge: OutcomeClientError,
	http.StatusRequestURITooLong:     OutcomeClientError,
	http.StatusUnsupportedMediaType:  OutcomeClientError,

	http.StatusRequestTimeout:  OutcomeFailed,
	http.StatusTooManyRequests: OutcomeFailed,
}

// OutcomeFor maps a response status to an Outcome. It is total: every 5xx
// is OutcomeFailed and any status missing from the table is OutcomeUnknown.
func OutcomeFor(status int) Outcome {
	if outcome, ok := outcomeTable[status]; ok {
		return outcome
	}
	if status >= 500 && status <= 599 {
		return OutcomeFailed
	}
	return OutcomeUnknown
}
