// Copyright 2026 The RadixMM Authors.
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

// Package memerr holds the standardized error definitions for the syscall
// surface. Errors are exported as sentinel values so that callers can
// compare and branch on them cheaply; the set is closed.
//
// Transient lock-and-validate contention is deliberately absent: retries are
// internal to the address space and never surface as errors.
package memerr

// Code identifies a class of syscall-layer failure.
type Code uint32

// Codes for the closed failure taxonomy.
const (
	// CodeInvalidRange denotes an address or length outside the address
	// space, or a misaligned one. Rejected before any locking.
	CodeInvalidRange Code = iota + 1

	// CodeNoMemory denotes physical frame exhaustion at fault, COW-copy or
	// fork time.
	CodeNoMemory

	// CodeFatalFault denotes an access to an unmapped page or an access
	// exceeding a mapping's permissions. Terminal for the access; never
	// silently healed.
	CodeFatalFault
)

// String implements fmt.Stringer.
func (c Code) String() string {
	switch c {
	case CodeInvalidRange:
		return "invalid range"
	case CodeNoMemory:
		return "out of memory"
	case CodeFatalFault:
		return "fatal fault"
	default:
		return "unknown"
	}
}

// Error represents a syscall-layer failure with a descriptive message.
type Error struct {
	code    Code
	message string
}

// New creates a new *Error.
func New(code Code, message string) *Error {
	return &Error{
		code:    code,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Code returns the underlying Code value.
func (e *Error) Code() Code { return e.code }

// The canonical errors returned by the syscall layer. These are the only
// errors it produces; compare by identity.
var (
	ErrInvalidRange = New(CodeInvalidRange, "address range is invalid")
	ErrNoMemory     = New(CodeNoMemory, "out of physical frames")
	ErrFatalFault   = New(CodeFatalFault, "fatal fault")
)
