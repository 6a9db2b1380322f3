package proto

import (
	"errors"
	"fmt"
)

// Error is an application error carried by result and nosub messages.
type Error struct {
	IsClientSafe bool
	// Code is the machine-readable "error" field, a string or a number.
	Code      interface{}
	Reason    string
	Message   string
	Details   interface{}
	ErrorType string
}

// NewError returns a client-safe error with the given code and reason.
func NewError(code interface{}, reason string) *Error {
	return &Error{
		IsClientSafe: true,
		Code:         code,
		Reason:       reason,
		Message:      fmt.Sprintf("%s [%v]", reason, code),
		ErrorType:    "Meteor.Error",
	}
}

// ErrorFrom converts err into an Error. Errors that already are, or wrap, an
// Error are returned as is; anything else becomes a "server-error".
func ErrorFrom(err error) *Error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	return NewError("server-error", err.Error())
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Reason != "" {
		return fmt.Sprintf("%s [%v]", e.Reason, e.Code)
	}
	return fmt.Sprintf("[%v]", e.Code)
}

func (e *Error) toMap() map[string]interface{} {
	m := map[string]interface{}{
		"isClientSafe": e.IsClientSafe,
	}
	if e.Code != nil {
		m["error"] = e.Code
	}
	if e.Reason != "" {
		m["reason"] = e.Reason
	}
	if e.Message != "" {
		m["message"] = e.Message
	}
	if e.Details != nil {
		m["details"] = e.Details
	}
	if e.ErrorType != "" {
		m["errorType"] = e.ErrorType
	}
	return m
}

func errorFromValue(v interface{}) (*Error, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("error field is %T, not an object", v)
	}
	e := &Error{
		Code:    m["error"],
		Details: decodeValue(m["details"]),
	}
	e.IsClientSafe, _ = m["isClientSafe"].(bool)
	e.Reason, _ = m["reason"].(string)
	e.Message, _ = m["message"].(string)
	e.ErrorType, _ = m["errorType"].(string)
	return e, nil
}
