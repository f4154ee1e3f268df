// Copyright 2025 The Acteon Authors
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

// Package httputil provides JSON response helpers for the REST API.
package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/penserai/acteon/pkg/errors"
)

// ErrorEnvelope is the stable error body every failing endpoint returns.
type ErrorEnvelope struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// WriteJSON writes a JSON response with the given status code and data.
// If encoding fails, it logs the error.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to write JSON response", slog.Any("error", err))
	}
}

// WriteError writes the error envelope with the given status, code and message.
func WriteError(w http.ResponseWriter, status int, code errors.Code, message string) {
	WriteJSON(w, status, ErrorEnvelope{
		Code:      string(code),
		Message:   message,
		Retryable: code.Retryable(),
	})
}

// WriteErrorFrom derives the envelope and HTTP status from err's error kind.
func WriteErrorFrom(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	WriteJSON(w, StatusFor(code), ErrorEnvelope{
		Code:      string(code),
		Message:   err.Error(),
		Retryable: errors.IsRetryable(err),
	})
}

// StatusFor maps a stable error code to an HTTP status.
func StatusFor(code errors.Code) int {
	switch code {
	case errors.CodeValidation:
		return http.StatusBadRequest
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodeRateLimited:
		return http.StatusTooManyRequests
	case errors.CodeTimeout:
		return http.StatusGatewayTimeout
	case errors.CodeConnection:
		return http.StatusBadGateway
	case errors.CodeCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
