package model

import (
	"errors"
	"fmt"
)

// Error kinds. Callers match them with errors.Is.
var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrCapacity     = errors.New("no eligible agent")
	ErrAgentFailure = errors.New("agent failure")
)

// Error carries a readable message and unwraps to one of the error kinds.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string {
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func Validationf(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Msg: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Msg: fmt.Sprintf(format, args...)}
}

func Conflictf(format string, args ...any) error {
	return &Error{Kind: ErrConflict, Msg: fmt.Sprintf(format, args...)}
}

func Capacityf(format string, args ...any) error {
	return &Error{Kind: ErrCapacity, Msg: fmt.Sprintf(format, args...)}
}

func AgentFailuref(format string, args ...any) error {
	return &Error{Kind: ErrAgentFailure, Msg: fmt.Sprintf(format, args...)}
}

// IsValidation, IsNotFound and IsConflict are shorthands for errors.Is.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
func IsNotFound(err error) bool   { return errors.Is(err, ErrNotFound) }
func IsConflict(err error) bool   { return errors.Is(err, ErrConflict) }
