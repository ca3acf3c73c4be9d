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

package errors

import (
	"context"
	"errors"
	"fmt"
	"reflect"
)

// Wrap creates a new error that wraps the given error with additional context.
// If err is nil, returns nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf creates a new error that wraps the given error with formatted context.
// If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is is errors.Is from the standard library.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As is errors.As from the standard library.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New is errors.New from the standard library.
func New(message string) error {
	return errors.New(message)
}

// Kind returns a short category for err, used as ErrorDetail.Kind.
// Classified errors report their ErrorType; context errors map to
// "timeout" and "canceled"; anything else reports its dynamic Go type.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	var classified ErrorClassifier
	if errors.As(err, &classified) {
		return classified.ErrorType()
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return reflect.TypeOf(err).String()
}

// IsRetryable reports whether err is worth retrying. Deadline errors are
// retryable; unclassified errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var classified ErrorClassifier
	if errors.As(err, &classified) {
		return classified.IsRetryable()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsTimeout reports whether err represents a deadline being exceeded.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te *TimeoutError
	return errors.As(err, &te)
}
