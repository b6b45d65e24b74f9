package protocol

import (
	"errors"
	"fmt"
)

// Code is a stable numeric error code. Codes travel in ERROR packets, so
// existing values must never be renumbered.
type Code uint16

const (
	CodeNone               Code = 0
	CodeMalformedPacket    Code = 1
	CodeAuthFailed         Code = 2
	CodeInvalidTimestamp   Code = 3
	CodeReplayDetected     Code = 4
	CodeSessionNotFound    Code = 5
	CodeInvalidState       Code = 6
	CodeWindowOverflow     Code = 7
	CodeInvalidSequence    Code = 8
	CodeInvalidFragment    Code = 9
	CodeSyncFailed         Code = 10
	CodeRecoveryFailed     Code = 11
	CodeTimeout            Code = 12
	CodeResourceExhausted  Code = 13
	CodeInvalidParameter   Code = 14
	CodePortCalculation    Code = 15
	CodeCongestionControl  Code = 16
	CodeDiscoveryFailed    Code = 17
	CodeDiscoveryTimeout   Code = 18
	CodePSKNotFound        Code = 19
	CodeProofFailed        Code = 20
	CodeEnumerationAttempt Code = 21
	CodeFragmentViolation  Code = 22
)

// Policy says how the engine reacts to an error with a given code.
type Policy uint8

const (
	// PolicyDrop discards the packet without answering, so parse and
	// authentication failures never act as an oracle.
	PolicyDrop Policy = iota
	// PolicyRespond answers an authenticated peer with ERROR or RST.
	PolicyRespond
	// PolicyBlock answers and blocks the source for a cool-down.
	PolicyBlock
	// PolicyLocal is reported but never sent on the wire.
	PolicyLocal
)

func (p Policy) String() string {
	switch p {
	case PolicyDrop:
		return "drop"
	case PolicyRespond:
		return "respond"
	case PolicyBlock:
		return "block"
	case PolicyLocal:
		return "local"
	default:
		return "unknown"
	}
}

type codeInfo struct {
	name      string
	policy    Policy
	retryable bool
}

var codes = map[Code]codeInfo{
	CodeNone:               {"none", PolicyLocal, false},
	CodeMalformedPacket:    {"malformed packet", PolicyDrop, false},
	CodeAuthFailed:         {"authentication failed", PolicyDrop, false},
	CodeInvalidTimestamp:   {"invalid timestamp", PolicyDrop, false},
	CodeReplayDetected:     {"replay detected", PolicyBlock, false},
	CodeSessionNotFound:    {"session not found", PolicyDrop, false},
	CodeInvalidState:       {"invalid state transition", PolicyRespond, false},
	CodeWindowOverflow:     {"window overflow", PolicyRespond, false},
	CodeInvalidSequence:    {"invalid sequence", PolicyRespond, false},
	CodeInvalidFragment:    {"invalid fragment", PolicyRespond, false},
	CodeSyncFailed:         {"synchronization failed", PolicyLocal, true},
	CodeRecoveryFailed:     {"recovery failed", PolicyRespond, false},
	CodeTimeout:            {"timeout", PolicyLocal, true},
	CodeResourceExhausted:  {"resource exhausted", PolicyRespond, false},
	CodeInvalidParameter:   {"invalid parameter", PolicyLocal, false},
	CodePortCalculation:    {"port calculation failed", PolicyLocal, true},
	CodeCongestionControl:  {"congestion control failure", PolicyLocal, false},
	CodeDiscoveryFailed:    {"discovery failed", PolicyRespond, false},
	CodeDiscoveryTimeout:   {"discovery timeout", PolicyLocal, true},
	CodePSKNotFound:        {"psk not found", PolicyRespond, false},
	CodeProofFailed:        {"zero-knowledge proof failed", PolicyBlock, false},
	CodeEnumerationAttempt: {"psk enumeration attempt", PolicyBlock, false},
	CodeFragmentViolation:  {"duplicate or overlapping fragment", PolicyRespond, false},
}

func (c Code) String() string {
	if info, ok := codes[c]; ok {
		return info.name
	}
	return fmt.Sprintf("code(%d)", uint16(c))
}

// Policy returns the handling policy for the code. Unknown codes are dropped.
func (c Code) Policy() Policy {
	if info, ok := codes[c]; ok {
		return info.policy
	}
	return PolicyDrop
}

// Retryable reports whether the condition is transient and worth retrying
// with backoff.
func (c Code) Retryable() bool {
	return codes[c].retryable
}

// Error is the engine's tagged error: every failure carries a Code so
// callers can dispatch on it without string matching.
type Error struct {
	Code  Code
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Msg
	if msg == "" {
		msg = e.Code.String()
	}
	if e.Inner == nil {
		return msg
	}
	return msg + ": " + e.Inner.Error()
}

func (e *Error) Unwrap() error { return e.Inner }

// Is matches any *Error with the same code, so errors.Is(err, &Error{Code: c})
// works as a code check.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func NewError(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func WrapError(code Code, msg string, inner error) *Error {
	return &Error{Code: code, Msg: msg, Inner: inner}
}

// CodeOf extracts the code from err, or CodeNone if err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeNone
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
