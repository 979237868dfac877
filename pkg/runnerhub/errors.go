// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package runnerhub

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for recovery purposes. Components convert
// low-level errors into kinds at their boundary; callers branch on the kind
// rather than the underlying error.
type ErrorKind string

const (
	// KindValidation is a rejected input: bad signature, malformed payload,
	// unknown event. Never retried.
	KindValidation ErrorKind = "validation"

	// KindTransient is a transient external failure (daemon timeout, GitHub
	// 5xx/429, cache hiccup). Retried with backoff.
	KindTransient ErrorKind = "transient"

	// KindPermanent is a permanent external failure (404 for a known job,
	// image not found). Not retried.
	KindPermanent ErrorKind = "permanent"

	// KindConflict is an optimistic-concurrency conflict. The surrounding
	// operation retries with a fresh read, up to three times.
	KindConflict ErrorKind = "conflict"

	// KindQuota is an operation blocked by a cost or capacity budget.
	KindQuota ErrorKind = "quota"

	// KindFatal is corrupted state or an invariant violation. Surfaces on
	// the health endpoint; the affected key is refused until manual
	// intervention.
	KindFatal ErrorKind = "fatal"
)

// Error is a classified error.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errorf formats a classified error.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the classification of err, defaulting to transient for
// unclassified errors so callers err on the side of retrying.
func KindOf(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindTransient
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// MaxConflictRetries is how many optimistic-concurrency conflicts an
// operation absorbs before failing with a conflict error.
const MaxConflictRetries = 3
