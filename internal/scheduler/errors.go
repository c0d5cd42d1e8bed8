// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scheduler

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

// Kind classifies a scheduler error the way §7 of the design taxonomizes
// failures, independent of any particular RPC framework.
type Kind int

const (
	// KindInvalidArgument covers malformed digests, unknown platform
	// property keys, unknown instance names, and bad hash formats.
	KindInvalidArgument Kind = iota
	// KindNotFound covers missing blobs, unknown worker IDs, and unknown
	// fingerprints.
	KindNotFound
	// KindUnavailable covers transient transport or backend failures,
	// subject to retry.
	KindUnavailable
	// KindResourceExhausted covers a paused worker or a saturated queue.
	KindResourceExhausted
	// KindDeadlineExceeded covers a worker-side action timeout.
	KindDeadlineExceeded
	// KindCancelled covers an explicit kill or last-subscriber departure.
	KindCancelled
	// KindInternal covers programmer invariant violations.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindNotFound:
		return "NotFound"
	case KindUnavailable:
		return "Unavailable"
	case KindResourceExhausted:
		return "ResourceExhausted"
	case KindDeadlineExceeded:
		return "DeadlineExceeded"
	case KindCancelled:
		return "Cancelled"
	case KindInternal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// GRPCCode maps a Kind to the standard gRPC status code an external
// frontend (CAS/AC/Execution service) should surface to its client.
func (k Kind) GRPCCode() codes.Code {
	switch k {
	case KindInvalidArgument:
		return codes.InvalidArgument
	case KindNotFound:
		return codes.NotFound
	case KindUnavailable:
		return codes.Unavailable
	case KindResourceExhausted:
		return codes.ResourceExhausted
	case KindDeadlineExceeded:
		return codes.DeadlineExceeded
	case KindCancelled:
		return codes.Cancelled
	case KindInternal:
		return codes.Internal
	default:
		return codes.Unknown
	}
}

// Retryable reports whether an error of this kind may succeed if retried
// against a different worker or after a delay.
func (k Kind) Retryable() bool {
	return k == KindUnavailable
}

// Error is a chained scheduler error: each call site that wraps an
// underlying cause adds context, the same way the teacher's internal
// packages build fmt.Errorf("...: %w", err) chains.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// New creates a new Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a new Error of the given kind that wraps cause, appending
// context the way each call site in the chain would.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is supports errors.Is comparisons against a Kind sentinel created with
// KindSentinel, so callers can write
// errors.Is(err, scheduler.KindSentinel(scheduler.KindNotFound)).
func (e *Error) Is(target error) bool {
	var sentinel *kindSentinel
	if errors.As(target, &sentinel) {
		return e.Kind == sentinel.kind
	}
	return false
}

type kindSentinel struct{ kind Kind }

func (s *kindSentinel) Error() string { return s.kind.String() }

// KindSentinel returns a comparable sentinel error for use with errors.Is,
// e.g. errors.Is(err, scheduler.KindSentinel(scheduler.KindNotFound)).
func KindSentinel(kind Kind) error {
	return &kindSentinel{kind: kind}
}

// AsError extracts the scheduler *Error from an error chain, if present.
func AsError(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
