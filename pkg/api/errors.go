/*
   Copyright 2026 Rabbit Authors

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package api

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is Rabbit's closed error taxonomy.
type Kind string

const (
	KindMalformed         Kind = "malformed"
	KindProtocolViolation Kind = "protocol-violation"
	KindUnauthorized      Kind = "unauthorized"
	KindForbidden         Kind = "forbidden"
	KindNotFound          Kind = "not-found"
	KindOutOfOrder        Kind = "out-of-order"
	KindPrecondition      Kind = "precondition"
	KindFlowLimit         Kind = "flow-limit"
	KindBadHello          Kind = "bad-hello"
	KindTimeout           Kind = "timeout"
	KindCanceled          Kind = "canceled"
	KindBusy              Kind = "busy"
	KindInternal          Kind = "internal"
)

// Error is a protocol-level error: it carries enough information to
// render a status-line and, when it is lane-scoped, to echo Lane: and
// Txn: on the response that reports it.
type Error struct {
	Kind   Kind
	Status Status
	Reason string
	Lane   *uint32
	Txn    string
	Cause  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	if e.Lane != nil {
		msg = fmt.Sprintf("%s (lane %d)", msg, *e.Lane)
	}
	if e.Txn != "" {
		msg = fmt.Sprintf("%s (txn %s)", msg, e.Txn)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// kindReason maps each Kind to the canonical wire reason phrase a
// status-line must carry. Reason on the Error itself stays free text
// for logs and Error(); the wire never sees it directly.
var kindReason = map[Kind]string{
	KindMalformed:         ReasonBadRequest,
	KindProtocolViolation: ReasonBadRequest,
	KindUnauthorized:      ReasonAuthRequired,
	KindForbidden:         ReasonForbidden,
	KindNotFound:          ReasonMissing,
	KindOutOfOrder:        ReasonOutOfOrder,
	KindPrecondition:      ReasonPrecondition,
	KindFlowLimit:         ReasonFlowLimit,
	KindBadHello:          ReasonBadHello,
	KindTimeout:           ReasonTimeout,
	KindCanceled:          ReasonCanceled,
	KindBusy:              ReasonBusy,
	KindInternal:          ReasonInternal,
}

// WireReason returns the canonical reason phrase for kind, the one a
// status-line must render regardless of whatever free-text diagnostic
// an *Error carries in Reason.
func WireReason(kind Kind) string {
	if r, ok := kindReason[kind]; ok {
		return r
	}
	return ReasonInternal
}

// StartLine renders this error as a response status-line. The reason
// phrase is always the canonical one for e.Kind, not e.Reason (which
// is free-text diagnostic detail, not meant for the wire).
func (e *Error) StartLine() string {
	return StartLine(e.Status, WireReason(e.Kind))
}

// WithLane returns a copy of e scoped to the given lane.
func (e *Error) WithLane(lane uint32) *Error {
	c := *e
	c.Lane = &lane
	return &c
}

// WithTxn returns a copy of e echoing the given transaction id.
func (e *Error) WithTxn(txn string) *Error {
	c := *e
	c.Txn = txn
	return &c
}

// WithCause returns a copy of e wrapping the given cause.
func (e *Error) WithCause(cause error) *Error {
	c := *e
	c.Cause = errors.WithStack(cause)
	return &c
}

// Constructors for the closed taxonomy. Each returns a fresh *Error so
// callers can safely chain WithLane/WithTxn/WithCause without aliasing
// a shared sentinel.
func ErrMalformed(reason string) *Error {
	return &Error{Kind: KindMalformed, Status: StatusBadRequest, Reason: reason}
}

func ErrProtocolViolation(reason string) *Error {
	return &Error{Kind: KindProtocolViolation, Status: StatusBadRequest, Reason: reason}
}

func ErrUnauthorized(reason string) *Error {
	return &Error{Kind: KindUnauthorized, Status: StatusAuthRequired, Reason: reason}
}

func ErrForbidden(reason string) *Error {
	return &Error{Kind: KindForbidden, Status: StatusForbidden, Reason: reason}
}

func ErrNotFound(reason string) *Error {
	return &Error{Kind: KindNotFound, Status: StatusMissing, Reason: reason}
}

// ErrOutOfOrder reports a Seq: mismatch; Expected is rendered by the
// caller as the Expected: header.
func ErrOutOfOrder(reason string) *Error {
	return &Error{Kind: KindOutOfOrder, Status: StatusOutOfOrder, Reason: reason}
}

func ErrPrecondition(reason string) *Error {
	return &Error{Kind: KindPrecondition, Status: StatusPrecondition, Reason: reason}
}

func ErrFlowLimit(reason string) *Error {
	return &Error{Kind: KindFlowLimit, Status: StatusFlowLimit, Reason: reason}
}

func ErrBadHello(reason string) *Error {
	return &Error{Kind: KindBadHello, Status: StatusBadHello, Reason: reason}
}

func ErrTimeout(reason string) *Error {
	return &Error{Kind: KindTimeout, Status: StatusTimeout, Reason: reason}
}

func ErrCanceled(reason string) *Error {
	return &Error{Kind: KindCanceled, Status: StatusCanceled, Reason: reason}
}

func ErrBusy(reason string) *Error {
	return &Error{Kind: KindBusy, Status: StatusBusy, Reason: reason}
}

func ErrInternal(reason string) *Error {
	return &Error{Kind: KindInternal, Status: StatusInternal, Reason: reason}
}

// Is reports whether err is a *Error of the given kind, unwrapping as
// necessary. The Is*Error helpers below wrap this for a subset of the
// kinds.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

func IsNotFound(err error) bool         { return Is(err, KindNotFound) }
func IsForbidden(err error) bool        { return Is(err, KindForbidden) }
func IsOutOfOrder(err error) bool       { return Is(err, KindOutOfOrder) }
func IsFlowLimit(err error) bool        { return Is(err, KindFlowLimit) }
func IsTimeout(err error) bool          { return Is(err, KindTimeout) }
func IsCanceled(err error) bool         { return Is(err, KindCanceled) }
func IsProtocolViolation(err error) bool { return Is(err, KindProtocolViolation) }
