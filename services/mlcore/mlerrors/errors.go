// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mlerrors defines the error taxonomy shared by every mlcore
// component and the normalization helpers that map backend failures into it.
//
// # Description
//
// All failures that cross a component boundary are *Error values. Callers
// branch on kind with errors.Is against the sentinels below:
//
//	_, err := coordinator.EnsureReady(ctx, &desc)
//	switch {
//	case errors.Is(err, mlerrors.ErrAuthenticationFailed):
//	    // ask the user for a token
//	case errors.Is(err, mlerrors.ErrModelMissing):
//	    // bundle the model or enable runtime download
//	}
//
// Code() gives a stable machine string for transports (HTTP bodies, CLI
// exit output). Message is human readable; Detail carries technical context
// such as a truncated response body; Remediation tells the user what to do.
package mlerrors

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
)

// -----------------------------------------------------------------------------
// Kinds
// -----------------------------------------------------------------------------

// Kind categorizes a failure for programmatic handling.
type Kind int

const (
	// KindDecode indicates image input that could not be decoded.
	KindDecode Kind = iota + 1

	// KindModelMissing indicates a bundled model asset that does not exist.
	KindModelMissing

	// KindDownload indicates a remote artifact fetch failure. See Reason.
	KindDownload

	// KindInference indicates a failure inside an available engine or backend.
	KindInference

	// KindUnsupportedPlatform indicates a capability the host cannot provide.
	KindUnsupportedPlatform

	// KindClassification indicates that no classification backend is available.
	KindClassification

	// KindInvalidRequest indicates a malformed capability request.
	KindInvalidRequest
)

// String returns the kind as an upper-case code fragment.
func (k Kind) String() string {
	switch k {
	case KindDecode:
		return "DECODE_ERROR"
	case KindModelMissing:
		return "MODEL_MISSING"
	case KindDownload:
		return "DOWNLOAD_ERROR"
	case KindInference:
		return "INFERENCE_ERROR"
	case KindUnsupportedPlatform:
		return "UNSUPPORTED_PLATFORM"
	case KindClassification:
		return "CLASSIFICATION_ERROR"
	case KindInvalidRequest:
		return "INVALID_REQUEST"
	default:
		return "UNKNOWN"
	}
}

// DownloadReason refines KindDownload.
type DownloadReason int

const (
	// ReasonNone is used by every kind other than KindDownload.
	ReasonNone DownloadReason = iota
	// ReasonTransport is a connection, TLS, timeout, or body read failure.
	ReasonTransport
	// ReasonAuthenticationFailed is an HTTP 401 from the artifact host.
	ReasonAuthenticationFailed
	// ReasonAccessForbidden is an HTTP 403, typically a gated model.
	ReasonAccessForbidden
	// ReasonNotFound is an HTTP 404.
	ReasonNotFound
	// ReasonHTTPStatus is any other non-200 status. See Error.StatusCode.
	ReasonHTTPStatus
	// ReasonChecksumMismatch means the fetched bytes did not match the
	// expected SHA-256 digest.
	ReasonChecksumMismatch
	// ReasonInsufficientStorage means the cache volume cannot hold the artifact.
	ReasonInsufficientStorage
	// ReasonWrite means the artifact could not be committed to the cache.
	ReasonWrite
)

// String returns the reason as an upper-case code fragment.
func (r DownloadReason) String() string {
	switch r {
	case ReasonTransport:
		return "TRANSPORT"
	case ReasonAuthenticationFailed:
		return "AUTHENTICATION_FAILED"
	case ReasonAccessForbidden:
		return "ACCESS_FORBIDDEN"
	case ReasonNotFound:
		return "NOT_FOUND"
	case ReasonHTTPStatus:
		return "HTTP_STATUS"
	case ReasonChecksumMismatch:
		return "CHECKSUM_MISMATCH"
	case ReasonInsufficientStorage:
		return "INSUFFICIENT_STORAGE"
	case ReasonWrite:
		return "WRITE_FAILED"
	default:
		return ""
	}
}

// -----------------------------------------------------------------------------
// Error
// -----------------------------------------------------------------------------

// Error is the structured error returned across mlcore component boundaries.
type Error struct {
	// Kind categorizes the failure.
	Kind Kind

	// Reason refines KindDownload. ReasonNone otherwise.
	Reason DownloadReason

	// StatusCode is the upstream HTTP status for ReasonHTTPStatus and the
	// mapped 401/403/404 reasons. Zero otherwise.
	StatusCode int

	// Model names the model or artifact involved, when known.
	Model string

	// Message is a human-readable description.
	Message string

	// Detail carries technical information for debugging.
	Detail string

	// Remediation suggests how to fix the issue.
	Remediation string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinel errors by kind and, for download sentinels, reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || !t.sentinel() {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == ReasonNone || t.Reason == e.Reason
}

// Code returns a stable machine-readable code, e.g. "DOWNLOAD_NOT_FOUND"
// or "DECODE_ERROR".
func (e *Error) Code() string {
	if e.Kind == KindDownload && e.Reason != ReasonNone {
		return "DOWNLOAD_" + e.Reason.String()
	}
	return e.Kind.String()
}

// FullError returns the message with model, detail, and remediation.
func (e *Error) FullError() string {
	var buf bytes.Buffer
	buf.WriteString(e.Error())
	if e.Model != "" {
		buf.WriteString(fmt.Sprintf(" (model: %s)", e.Model))
	}
	if e.Detail != "" {
		buf.WriteString("\n\nDetails: ")
		buf.WriteString(e.Detail)
	}
	if e.Remediation != "" {
		buf.WriteString("\n\nTo fix:\n")
		buf.WriteString(e.Remediation)
	}
	return buf.String()
}

// sentinel reports whether e is one of the package-level sentinel values.
func (e *Error) sentinel() bool {
	return e.Message == "" && e.Err == nil && e.Model == ""
}

// -----------------------------------------------------------------------------
// Sentinels
// -----------------------------------------------------------------------------

// Sentinels for errors.Is. They carry no message and only match by kind
// (and reason, for the download family).
var (
	ErrDecode              = &Error{Kind: KindDecode}
	ErrModelMissing        = &Error{Kind: KindModelMissing}
	ErrDownload            = &Error{Kind: KindDownload}
	ErrInference           = &Error{Kind: KindInference}
	ErrUnsupportedPlatform = &Error{Kind: KindUnsupportedPlatform}
	ErrClassification      = &Error{Kind: KindClassification}
	ErrInvalidRequest      = &Error{Kind: KindInvalidRequest}

	ErrTransport            = &Error{Kind: KindDownload, Reason: ReasonTransport}
	ErrAuthenticationFailed = &Error{Kind: KindDownload, Reason: ReasonAuthenticationFailed}
	ErrAccessForbidden      = &Error{Kind: KindDownload, Reason: ReasonAccessForbidden}
	ErrNotFound             = &Error{Kind: KindDownload, Reason: ReasonNotFound}
	ErrHTTPStatus           = &Error{Kind: KindDownload, Reason: ReasonHTTPStatus}
	ErrChecksumMismatch     = &Error{Kind: KindDownload, Reason: ReasonChecksumMismatch}
	ErrInsufficientStorage  = &Error{Kind: KindDownload, Reason: ReasonInsufficientStorage}
)

// KindOf returns the Kind of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// -----------------------------------------------------------------------------
// Constructors
// -----------------------------------------------------------------------------

// Decode reports undecodable image input.
func Decode(message string, cause error) *Error {
	return &Error{
		Kind:        KindDecode,
		Message:     message,
		Err:         cause,
		Remediation: "Send a JPEG, PNG, GIF, BMP or TIFF image as raw base64 or a data:image/...;base64, URI.",
	}
}

// ModelMissing reports a bundled model asset that is not present.
func ModelMissing(fileName, searched string) *Error {
	return &Error{
		Kind:    KindModelMissing,
		Model:   fileName,
		Message: "model not found",
		Detail:  fmt.Sprintf("looked for %q", searched),
		Remediation: "Place a compatible model file (e.g. gemma-3-1b-it.gguf) in the bundled assets directory, " +
			"or enable downloadAtRuntime with a downloadUrl.",
	}
}

// FromHTTPStatus maps a non-200 artifact-host response to a download error.
//
// # Description
//
// 401 and 403 are kept distinct so the caller can tell "bad or missing
// token" from "token valid but the gated model was never granted".
//
// # Inputs
//
//   - code: HTTP status code (must not be 200).
//   - model: artifact file name, for the error's Model field.
//   - detail: truncated response body, may be empty.
//
// # Outputs
//
//   - *Error: KindDownload with the mapped reason.
func FromHTTPStatus(code int, model, detail string) *Error {
	e := &Error{
		Kind:       KindDownload,
		StatusCode: code,
		Model:      model,
		Detail:     detail,
	}
	switch code {
	case http.StatusUnauthorized:
		e.Reason = ReasonAuthenticationFailed
		e.Message = "authentication failed while downloading model"
		e.Remediation = "Check the auth token. Gated models require a valid access token."
	case http.StatusForbidden:
		e.Reason = ReasonAccessForbidden
		e.Message = "access forbidden while downloading model"
		e.Remediation = "Request access to the gated model on the artifact host, then retry with the same token."
	case http.StatusNotFound:
		e.Reason = ReasonNotFound
		e.Message = "model not found at download URL"
		e.Remediation = "Verify the download URL and file name."
	default:
		e.Reason = ReasonHTTPStatus
		e.Message = fmt.Sprintf("download failed with HTTP status %d", code)
	}
	return e
}

// Transport wraps a network-level download failure.
func Transport(model string, cause error) *Error {
	return &Error{
		Kind:        KindDownload,
		Reason:      ReasonTransport,
		Model:       model,
		Message:     "network error while downloading model",
		Err:         cause,
		Remediation: "Check network connectivity and the download URL, then retry.",
	}
}

// ChecksumMismatch reports fetched bytes whose digest differs from the
// expected one.
func ChecksumMismatch(model, want, got string) *Error {
	return &Error{
		Kind:    KindDownload,
		Reason:  ReasonChecksumMismatch,
		Model:   model,
		Message: "downloaded model failed checksum verification",
		Detail:  fmt.Sprintf("expected sha256 %s, got %s", want, got),
	}
}

// InsufficientStorage reports that the cache volume is too small.
func InsufficientStorage(model string, need, free uint64) *Error {
	return &Error{
		Kind:        KindDownload,
		Reason:      ReasonInsufficientStorage,
		Model:       model,
		Message:     "not enough free space to cache model",
		Detail:      fmt.Sprintf("need %d bytes, %d available", need, free),
		Remediation: "Free disk space or point cache.dir at a larger volume.",
	}
}

// WriteFailed reports that a fetched artifact could not be committed.
func WriteFailed(model string, cause error) *Error {
	return &Error{
		Kind:    KindDownload,
		Reason:  ReasonWrite,
		Model:   model,
		Message: "failed to write model to cache",
		Err:     cause,
	}
}

// AsInference normalizes an engine or backend failure. Errors that are
// already *Error pass through unchanged.
func AsInference(model string, cause error) error {
	if cause == nil {
		return nil
	}
	var e *Error
	if errors.As(cause, &e) {
		return cause
	}
	return &Error{
		Kind:    KindInference,
		Model:   model,
		Message: "inference failed",
		Err:     cause,
	}
}

// UnsupportedPlatform reports a capability the host cannot provide.
func UnsupportedPlatform(message string) *Error {
	return &Error{Kind: KindUnsupportedPlatform, Message: message}
}

// NoClassifier reports that every classification backend is unavailable.
func NoClassifier(detail string) *Error {
	return &Error{
		Kind:        KindClassification,
		Message:     "no image classifier available",
		Detail:      detail,
		Remediation: "Bundle a classifier model or start the platform classifier.",
	}
}

// InvalidRequest reports a malformed capability request.
func InvalidRequest(message string) *Error {
	return &Error{Kind: KindInvalidRequest, Message: message}
}

// -----------------------------------------------------------------------------
// Transport mapping
// -----------------------------------------------------------------------------

// HTTPStatus maps an error to the status the HTTP transport should return.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindDecode, KindInvalidRequest:
		return http.StatusBadRequest
	case KindModelMissing:
		return http.StatusNotFound
	case KindDownload:
		if e.Reason == ReasonInsufficientStorage {
			return http.StatusInsufficientStorage
		}
		return http.StatusBadGateway
	case KindUnsupportedPlatform:
		return http.StatusNotImplemented
	case KindClassification:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
