// Package syncerr defines the failure kinds every boundary call is converted into.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"google.golang.org/api/googleapi"
)

// Kind classifies a failure for retry and severity decisions.
type Kind string

const (
	KindUnauthorized          Kind = "unauthorized"
	KindUnknownChannel        Kind = "unknown_channel"
	KindTokenInvalidated      Kind = "token_invalidated"
	KindTransientProvider     Kind = "transient_provider_failure"
	KindTransientSink         Kind = "transient_sink_failure"
	KindPermanentProvider     Kind = "provider_failure"
	KindPermanentSink         Kind = "sink_failure"
	KindSubscriptionRenewal   Kind = "subscription_renewal_failure"
	KindConfiguration         Kind = "configuration_error"
	KindMalformedNotification Kind = "malformed_notification"
)

// Sentinels usable with errors.Is.
var (
	ErrUnauthorized          = &Error{Kind: KindUnauthorized}
	ErrUnknownChannel        = &Error{Kind: KindUnknownChannel}
	ErrTokenInvalidated      = &Error{Kind: KindTokenInvalidated}
	ErrTransientProvider     = &Error{Kind: KindTransientProvider}
	ErrTransientSink         = &Error{Kind: KindTransientSink}
	ErrPermanentProvider     = &Error{Kind: KindPermanentProvider}
	ErrPermanentSink         = &Error{Kind: KindPermanentSink}
	ErrSubscriptionRenewal   = &Error{Kind: KindSubscriptionRenewal}
	ErrConfiguration         = &Error{Kind: KindConfiguration}
	ErrMalformedNotification = &Error{Kind: KindMalformedNotification}
)

// Error carries a Kind plus the operation and calendar it happened on.
type Error struct {
	Kind     Kind
	Op       string
	Calendar string
	Err      error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Calendar != "" {
		msg += " (calendar " + e.Calendar + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so sentinels compare by kind only.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New wraps err with a kind.
func New(kind Kind, op, calendar string, err error) *Error {
	return &Error{Kind: kind, Op: op, Calendar: calendar, Err: err}
}

// Newf builds an error with a formatted cause.
func Newf(kind Kind, op, calendar, format string, args ...any) *Error {
	return New(kind, op, calendar, fmt.Errorf(format, args...))
}

// KindOf returns the kind of the first *Error in the chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether the next trigger should simply try again.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransientProvider, KindTransientSink, KindSubscriptionRenewal:
		return true
	}
	return false
}

// FromGoogle converts a Google API client error into a classified provider error.
// Errors already classified pass through untouched.
func FromGoogle(op, calendar string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != "" {
		return err
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return New(providerKind(apiErr.Code), op, calendar, err)
	}
	return New(transportKind(err, KindTransientProvider, KindPermanentProvider), op, calendar, err)
}

// FromHTTPStatus classifies a raw sink response status.
func FromHTTPStatus(op, calendar string, status int, err error) error {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return New(KindTransientSink, op, calendar, err)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return New(KindUnauthorized, op, calendar, err)
	default:
		return New(KindPermanentSink, op, calendar, err)
	}
}

// FromSink converts a sink client error (Google API or transport) into a sink error.
func FromSink(op, calendar string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != "" {
		return err
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return FromHTTPStatus(op, calendar, apiErr.Code, err)
	}
	return New(transportKind(err, KindTransientSink, KindPermanentSink), op, calendar, err)
}

func providerKind(code int) Kind {
	switch {
	case code == http.StatusGone:
		return KindTokenInvalidated
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return KindUnauthorized
	case code == http.StatusNotFound:
		return KindUnknownChannel
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return KindTransientProvider
	default:
		return KindPermanentProvider
	}
}

// transportKind treats timeouts, cancellations and network errors as transient.
func transportKind(err error, transient, permanent Kind) Kind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return transient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return transient
	}
	return permanent
}
