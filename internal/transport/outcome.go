package transport

import (
	"fmt"
	"strings"
)

// Status classifies the result of a call to the coordination service.
type Status int

const (
	// StatusOK means HTTP 200 with a readable body.
	StatusOK Status = iota
	// StatusNotImplemented means HTTP 404 on a capability that older
	// coordination services may lack. Only Subscribe produces it.
	StatusNotImplemented
	// StatusFailed covers every other status code and transport-level error.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotImplemented:
		return "not_implemented"
	default:
		return "failed"
	}
}

// maxDetailBytes caps how much of a response body is kept for logging.
const maxDetailBytes = 512

// Outcome is what every Client operation returns instead of an error.
type Outcome struct {
	Status Status
	// Code is the HTTP status code, 0 when no response was received.
	Code int
	// Body is the response body on success, a truncated copy otherwise.
	Body []byte
	// Err is set when the request never produced a usable response.
	Err error
}

// OK reports whether the call succeeded.
func (o Outcome) OK() bool { return o.Status == StatusOK }

// NotImplemented reports whether the capability is missing on the server.
func (o Outcome) NotImplemented() bool { return o.Status == StatusNotImplemented }

// Detail renders the failure for logs: "<code> - <body>" or the transport error.
func (o Outcome) Detail() string {
	if o.Err != nil {
		if o.Code != 0 {
			return fmt.Sprintf("%d - %v", o.Code, o.Err)
		}
		return o.Err.Error()
	}
	body := strings.TrimSpace(string(o.Body))
	if body == "" {
		return fmt.Sprintf("%d", o.Code)
	}
	return fmt.Sprintf("%d - %s", o.Code, body)
}

func ok(code int, body []byte) Outcome {
	return Outcome{Status: StatusOK, Code: code, Body: body}
}

func failed(code int, body []byte, err error) Outcome {
	return Outcome{Status: StatusFailed, Code: code, Body: truncate(body), Err: err}
}

func truncate(b []byte) []byte {
	if len(b) > maxDetailBytes {
		return b[:maxDetailBytes]
	}
	return b
}
