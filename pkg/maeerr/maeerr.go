// Package maeerr defines the error-kind taxonomy the pipeline, tracker,
// and executor use to decide whether a failure is fatal, should be
// retried, or should be swallowed and rescheduled (spec §7).
package maeerr

import (
	"errors"
	"fmt"
)

// Kind tags an error with the handling behavior it requires.
type Kind string

const (
	MissingField               Kind = "missing-field"
	UpstreamNotFound            Kind = "upstream-not-found"
	UpstreamFaultHTTP           Kind = "upstream-fault-http"
	UpstreamFaultStore          Kind = "upstream-fault-store"
	MismatchedImage             Kind = "mismatched-image"
	IncompatibleInstanceType    Kind = "incompatible-instance-type"
	UnknownSecurityGroups       Kind = "unknown-security-groups"
	MissingLoadBalancers        Kind = "missing-load-balancers"
	NoSubnets                   Kind = "no-subnets"
	NoMatchingZones              Kind = "no-matching-zones"
	UnexpectedRemoteStatus       Kind = "unexpected-remote-status"
	ASGNotFound                  Kind = "asg-not-found"
	ConfigurationMissing         Kind = "configuration-missing"
	ConfigurationUnexpectedResp  Kind = "configuration-unexpected-response"
	MissingContact               Kind = "missing-contact"
	Locked                       Kind = "locked"
	InvalidRequest               Kind = "invalid-request"
)

// Error is a maestro error carrying a Kind alongside the usual message
// and wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Payload []string // e.g. unresolved security group names
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an *Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithPayload attaches a list payload (e.g. the unresolved names list for
// unknown-security-groups) and returns the same error for chaining.
func (e *Error) WithPayload(payload []string) *Error {
	e.Payload = payload
	return e
}

// KindOf extracts the Kind from err, if it (or something it wraps) is an
// *Error. ok is false for plain errors.
func KindOf(err error) (Kind, bool) {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind, true
	}
	return "", false
}

// IsRetryableUpstream reports whether err is a transport or store fault
// that the tracker should hide by rescheduling rather than propagating
// (§4.2 error classification: http/store are rescheduled, others are fatal).
func IsRetryableUpstream(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	return kind == UpstreamFaultHTTP || kind == UpstreamFaultStore
}
