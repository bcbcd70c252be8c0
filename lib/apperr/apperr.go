/*
 * Backend.AI AppProxy
 * Copyright (C) 2026  Lablup Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package apperr tags errors with Backend.AI error codes.
//
// Errors keep their trace classification (not found, access denied, ...)
// which drives the HTTP status, while the attached code is surfaced in the
// JSON error body consumed by the Manager and by end-user clients.
package apperr

import (
	"errors"

	"github.com/gravitational/trace"
)

// Code is a Backend.AI wire error code.
type Code string

const (
	// CodeInvalidConfig marks a fatal configuration error at startup.
	CodeInvalidConfig Code = "E00001"
	// CodeNotFound marks an unknown circuit, worker, endpoint or token.
	CodeNotFound Code = "E00002"
	// CodeWorkerNotResponding marks a failed provisioning RPC to a worker.
	CodeWorkerNotResponding Code = "E10001"
	// CodeEventNotDelivered marks a provisioning event that never
	// converged on any worker node within its window.
	CodeEventNotDelivered Code = "E20001"
	// CodeProtocolMismatch marks an interactive app requested over a
	// protocol that cannot carry it (grpc, h2).
	CodeProtocolMismatch Code = "E20002"
	// CodeFrontendSetupTimeout marks traffic that waited too long for an
	// assigned circuit handler to become ready.
	CodeFrontendSetupTimeout Code = "E20003"
	// CodeMissingCookie marks an interactive request without a permit
	// cookie.
	CodeMissingCookie Code = "E20004"
	// CodeInvalidCookie marks a permit cookie that does not match the
	// circuit secret.
	CodeInvalidCookie Code = "E20005"
	// CodeMissingToken marks an inference request without an
	// Authorization header.
	CodeMissingToken Code = "E20006"
	// CodeUnsupportedAuthScheme marks an Authorization header with a
	// scheme other than BackendAI.
	CodeUnsupportedAuthScheme Code = "E20007"
	// CodeInvalidToken marks an endpoint API token that failed
	// verification.
	CodeInvalidToken Code = "E20008"
	// CodeUnknownSubdomain marks a wildcard request whose host does not
	// resolve to a circuit.
	CodeUnknownSubdomain Code = "E20009"
	// CodeBackendDied marks a proxied backend that went away mid-flight.
	CodeBackendDied Code = "E20010"
	// CodeInferenceViaInteractive marks an inference call sent through an
	// interactive circuit.
	CodeInferenceViaInteractive Code = "E20011"
	// CodeInteractiveViaInference marks an interactive call sent through
	// an inference circuit.
	CodeInteractiveViaInference Code = "E20012"
	// CodeWorkerRegistrationFailed marks a worker registration rejected
	// by the coordinator.
	CodeWorkerRegistrationFailed Code = "E20013"
)

// Error carries a Backend.AI code on top of a classified cause.
type Error struct {
	code Code
	err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return string(e.code) + ": " + e.err.Error()
}

// Unwrap exposes the classified cause to errors.Is/As and trace helpers.
func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the wire code of this error.
func (e *Error) Code() Code {
	return e.code
}

// WithCode attaches code to err. Returns nil when err is nil.
func WithCode(code Code, err error) error {
	if err == nil {
		return nil
	}
	return &Error{code: code, err: err}
}

// CodeOf extracts the Backend.AI code attached to err, or empty when the
// error carries none.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code()
	}
	return ""
}

// NotFound returns a not-found error tagged with CodeNotFound.
func NotFound(format string, args ...interface{}) error {
	return WithCode(CodeNotFound, trace.NotFound(format, args...))
}

// InvalidConfig returns a bad-parameter error tagged with
// CodeInvalidConfig.
func InvalidConfig(format string, args ...interface{}) error {
	return WithCode(CodeInvalidConfig, trace.BadParameter(format, args...))
}
