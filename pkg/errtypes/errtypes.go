// Copyright 2022-2026 CSC - IT Center for Science Ltd.
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

// Package errtypes contains the error kinds the service distinguishes.
// Handlers and workers return these; translation to HTTP status codes
// happens only at the edge.
package errtypes

import "strings"

// NotFound is the error to use when a resource is not found. The message is
// user visible; construction sites phrase it for the client.
type NotFound string

func (e NotFound) Error() string { return string(e) }

// IsNotFound implements the IsNotFound interface.
func (e NotFound) IsNotFound() {}

// InvalidPath is the error to use when a user supplied path is rejected
// by the sanitiser.
type InvalidPath string

func (e InvalidPath) Error() string { return "invalid path: " + string(e) }

// IsInvalidPath implements the IsInvalidPath interface.
func (e InvalidPath) IsInvalidPath() {}

// BadRequest is the error to use for malformed uploads, bad archives and
// corrupt member names or types.
type BadRequest string

func (e BadRequest) Error() string { return string(e) }

// IsBadRequest implements the IsBadRequest interface.
func (e BadRequest) IsBadRequest() {}

// ChecksumMismatch is the error to use when the computed checksum of an
// upload disagrees with the declared one.
type ChecksumMismatch string

func (e ChecksumMismatch) Error() string { return string(e) }

// IsChecksumMismatch implements the IsChecksumMismatch interface.
func (e ChecksumMismatch) IsChecksumMismatch() {}

// InvalidCredentials is the error to use when authentication fails.
type InvalidCredentials string

func (e InvalidCredentials) Error() string { return "invalid credentials: " + string(e) }

// IsInvalidCredentials implements the IsInvalidCredentials interface.
func (e InvalidCredentials) IsInvalidCredentials() {}

// PermissionDenied is the error to use when a principal lacks access to a
// project.
type PermissionDenied string

func (e PermissionDenied) Error() string { return "permission denied: " + string(e) }

// IsPermissionDenied implements the IsPermissionDenied interface.
func (e PermissionDenied) IsPermissionDenied() {}

// MissingContentLength is the error to use when a request carries no
// Content-Length header.
type MissingContentLength string

func (e MissingContentLength) Error() string { return "missing content length: " + string(e) }

// IsMissingContentLength implements the IsMissingContentLength interface.
func (e MissingContentLength) IsMissingContentLength() {}

// Conflict is the error to use when an upload target already exists. It
// carries the conflicting paths so the edge can report them.
type Conflict struct {
	Message string
	Files   []string
}

func (e Conflict) Error() string {
	if len(e.Files) == 0 {
		return e.Message
	}
	return e.Message + ": " + strings.Join(e.Files, ", ")
}

// IsConflict implements the IsConflict interface.
func (e Conflict) IsConflict() {}

// Locked is the error to use when the project lock for a path is held by
// another task.
type Locked string

func (e Locked) Error() string { return "locked: " + string(e) }

// IsLocked implements the IsLocked interface.
func (e Locked) IsLocked() {}

// QuotaExceeded is the error to use when an admission would take a project
// over its quota.
type QuotaExceeded string

func (e QuotaExceeded) Error() string { return "quota exceeded: " + string(e) }

// IsQuotaExceeded implements the IsQuotaExceeded interface.
func (e QuotaExceeded) IsQuotaExceeded() {}

// MaxSizeExceeded is the error to use when a declared size is over the
// configured maximum content length.
type MaxSizeExceeded string

func (e MaxSizeExceeded) Error() string { return "max size exceeded: " + string(e) }

// IsMaxSizeExceeded implements the IsMaxSizeExceeded interface.
func (e MaxSizeExceeded) IsMaxSizeExceeded() {}

// UnsupportedMediaType is the error to use when a request carries the wrong
// content type.
type UnsupportedMediaType string

func (e UnsupportedMediaType) Error() string { return "unsupported media type: " + string(e) }

// IsUnsupportedMediaType implements the IsUnsupportedMediaType interface.
func (e UnsupportedMediaType) IsUnsupportedMediaType() {}

// HasPendingDataset is the error to use when a destructive operation is
// refused because a file under the target belongs to a pending dataset.
type HasPendingDataset string

func (e HasPendingDataset) Error() string { return string(e) }

// IsHasPendingDataset implements the IsHasPendingDataset interface.
func (e HasPendingDataset) IsHasPendingDataset() {}

// NotAvailable is the error the catalogue client returns for missing remote
// resources.
type NotAvailable string

func (e NotAvailable) Error() string { return "not available: " + string(e) }

// IsNotAvailable implements the IsNotAvailable interface.
func (e NotAvailable) IsNotAvailable() {}

// InternalError is the error to use for unexpected conditions. The edge
// scrubs the message before returning it to the client.
type InternalError string

func (e InternalError) Error() string { return "internal error: " + string(e) }

// IsInternalError implements the IsInternalError interface.
func (e InternalError) IsInternalError() {}

// IsNotFound is the interface to implement to specify that a resource was
// not found.
type IsNotFound interface {
	IsNotFound()
}

// IsInvalidPath is the interface to implement to specify that a path was
// rejected.
type IsInvalidPath interface {
	IsInvalidPath()
}

// IsBadRequest is the interface to implement to specify that a request was
// malformed.
type IsBadRequest interface {
	IsBadRequest()
}

// IsChecksumMismatch is the interface to implement to specify that a
// checksum did not match.
type IsChecksumMismatch interface {
	IsChecksumMismatch()
}

// IsInvalidCredentials is the interface to implement to specify that
// credentials were wrong.
type IsInvalidCredentials interface {
	IsInvalidCredentials()
}

// IsPermissionDenied is the interface to implement to specify that access
// was denied.
type IsPermissionDenied interface {
	IsPermissionDenied()
}

// IsMissingContentLength is the interface to implement to specify that the
// content length was absent.
type IsMissingContentLength interface {
	IsMissingContentLength()
}

// IsConflict is the interface to implement to specify that a target already
// exists.
type IsConflict interface {
	IsConflict()
}

// IsLocked is the interface to implement to specify that a lock is held
// elsewhere.
type IsLocked interface {
	IsLocked()
}

// IsQuotaExceeded is the interface to implement to specify that the project
// quota would be exceeded.
type IsQuotaExceeded interface {
	IsQuotaExceeded()
}

// IsMaxSizeExceeded is the interface to implement to specify that the
// maximum content length would be exceeded.
type IsMaxSizeExceeded interface {
	IsMaxSizeExceeded()
}

// IsUnsupportedMediaType is the interface to implement to specify that the
// content type is not accepted.
type IsUnsupportedMediaType interface {
	IsUnsupportedMediaType()
}

// IsHasPendingDataset is the interface to implement to specify that a
// pending dataset blocks deletion.
type IsHasPendingDataset interface {
	IsHasPendingDataset()
}

// IsNotAvailable is the interface to implement to specify that a remote
// resource is missing.
type IsNotAvailable interface {
	IsNotAvailable()
}

// IsInternalError is the interface to implement to specify an unexpected
// condition.
type IsInternalError interface {
	IsInternalError()
}
