package api

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnreachable      = errors.New("tablesync: server unreachable")
	ErrUnexpectedStatus = errors.New("tablesync: unexpected status")
)

// UnreachableError is a transport failure where no response was received.
type UnreachableError struct {
	Op  string
	Err error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("%s: server unreachable: %v", e.Op, e.Err)
}

func (e *UnreachableError) Unwrap() []error {
	return []error{ErrUnreachable, e.Err}
}

// UnexpectedStatusError is a response whose status was not in the expected set, or whose body could not be
// decoded into the expected shape.
type UnexpectedStatusError struct {
	Op     string
	Status int
	Body   []byte
	Err    error
}

func (e *UnexpectedStatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: unexpected response (status %d): %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: unexpected status code: %d: %s", e.Op, e.Status, strings.TrimSpace(string(e.Body)))
}

func (e *UnexpectedStatusError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrUnexpectedStatus, e.Err}
	}
	return []error{ErrUnexpectedStatus}
}

// StatusOf returns the status code carried by an UnexpectedStatusError in the chain, or 0.
func StatusOf(err error) int {
	var se *UnexpectedStatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}
