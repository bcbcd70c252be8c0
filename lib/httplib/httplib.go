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

// Package httplib implements common utility functions for the
// coordinator and worker REST handlers.
//
// Errors cross the wire as {"error": {"code", "message"}} where code
// is the Backend.AI error code attached to the error, and the HTTP
// status derives from the error's trace class.
package httplib

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/lablup/appproxy/lib/apperr"
)

// maxBodyBytes caps request bodies read by ReadJSON.
const maxBodyBytes = 1 << 20

// HandlerFunc is an HTTP handler that returns a JSON-marshalable
// result or an error.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error)

// MakeHandler returns a new httprouter.Handle func from a handler
// func. A nil result with a nil error means the handler already wrote
// the response.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(w, err)
			return
		}
		if out != nil {
			ReplyJSON(w, http.StatusOK, out)
		}
	}
}

// ReadJSON reads the request body and unmarshals it into val.
func ReadJSON(r *http.Request, val interface{}) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return trace.Wrap(err)
	}
	if len(data) == 0 {
		return trace.BadParameter("missing request body")
	}
	if err := json.Unmarshal(data, val); err != nil {
		return trace.BadParameter("invalid request body: %v", err)
	}
	return nil
}

// ReplyJSON writes a JSON response with the given status code.
func ReplyJSON(w http.ResponseWriter, code int, val interface{}) {
	out, err := json.Marshal(val)
	if err != nil {
		http.Error(w, `{"error":{"message":"failed to encode response"}}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(out)
}

// ErrorBody is the wire form of an error reply.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the Backend.AI code and a user-facing message.
type ErrorDetail struct {
	Code    apperr.Code `json:"code,omitempty"`
	Message string      `json:"message"`
}

// ReplyError writes err as a structured JSON error response. The
// status comes from the error's trace class and the Backend.AI code
// from its apperr tag, when present. Capacity exhaustion replies 503
// so the Manager retries against another worker.
func ReplyError(w http.ResponseWriter, err error) {
	status := trace.ErrorToCode(err)
	if trace.IsLimitExceeded(err) {
		status = http.StatusServiceUnavailable
	}
	ReplyJSON(w, status, ErrorBody{
		Error: ErrorDetail{
			Code:    apperr.CodeOf(err),
			Message: trace.UserMessage(err),
		},
	})
}

// ErrorFromResponse rebuilds a classified error from a non-2xx API
// response, restoring the Backend.AI code when the body carries one.
func ErrorFromResponse(status int, body []byte) error {
	var parsed ErrorBody
	message := http.StatusText(status)
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		message = parsed.Error.Message
	}
	var err error
	switch status {
	case http.StatusNotFound:
		err = trace.NotFound("%s", message)
	case http.StatusBadRequest:
		err = trace.BadParameter("%s", message)
	case http.StatusForbidden, http.StatusUnauthorized:
		err = trace.AccessDenied("%s", message)
	case http.StatusConflict:
		err = trace.AlreadyExists("%s", message)
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		err = trace.LimitExceeded("%s", message)
	default:
		err = trace.Errorf("%s", message)
	}
	if parsed.Error.Code != "" {
		err = apperr.WithCode(parsed.Error.Code, err)
	}
	return err
}
