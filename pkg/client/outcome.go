package client

import (
	"errors"
	"fmt"

	"github.com/jmerrifield20/keyprov/pkg/secretkey"
)

// GenericFailureMessage is shown when neither the server nor the client has
// anything more specific to say.
const GenericFailureMessage = "An unknown error occurred. Please try again later."

var (
	// ErrCancelled is returned when the caller's context ends before the
	// registration finished. It is never reported as a server rejection.
	ErrCancelled = errors.New("registration cancelled")

	// ErrTransport wraps network failures on the final attempt.
	ErrTransport = errors.New("registration request failed")

	// ErrRejected is wrapped by *RejectionError.
	ErrRejected = errors.New("registration rejected by server")

	// ErrMalformedResponse is returned when the server accepted the request but
	// the reply carried no usable account identifier.
	ErrMalformedResponse = errors.New("malformed registration response")

	// ErrClosed is returned by Register after Close.
	ErrClosed = errors.New("registration client is closed")

	// ErrNoAddress is returned by RegisterCurrent when no address is available.
	ErrNoAddress = errors.New("no server address configured")
)

// RejectionError describes a failed final attempt that reached the server.
type RejectionError struct {
	URL        string
	StatusCode int
	Body       string
}

// Error implements error.
func (e *RejectionError) Error() string {
	return fmt.Sprintf("failed to register on server %s: status code %d: %s", e.URL, e.StatusCode, e.Body)
}

// Unwrap lets errors.Is match ErrRejected.
func (e *RejectionError) Unwrap() error { return ErrRejected }

// Outcome is the terminal result of one Register call.
//
// Success implies UID and SecretKey are set. A failed Outcome always carries
// an ErrorMessage.
type Outcome struct {
	Success      bool             `json:"success"`
	UID          string           `json:"uid,omitempty"`
	SecretKey    secretkey.Secret `json:"secretKey,omitempty"`
	ErrorMessage string           `json:"errorMessage,omitempty"`

	// Diagnostics about the attempt that produced this outcome.
	Version  Version `json:"-"`
	Endpoint string  `json:"-"`
	Attempts int     `json:"-"`
}

// registrationReply is the JSON body of a 2xx registration response.
type registrationReply struct {
	Success      *bool  `json:"success"`
	UID          string `json:"uid"`
	ErrorMessage string `json:"errorMessage"`
}

func failed(msg string) *Outcome {
	if msg == "" {
		msg = GenericFailureMessage
	}
	return &Outcome{ErrorMessage: msg}
}
