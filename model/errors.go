package model

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Code is a stable machine-readable error kind. Codes travel in the HTTP
// error envelope and never change meaning between releases.
type Code string

const (
	CodeNameConflict       Code = "name_conflict"
	CodeInvalidName        Code = "invalid_name"
	CodeNotFound           Code = "not_found"
	CodeStateViolation     Code = "state_violation"
	CodeEngineFailure      Code = "engine_failure"
	CodeTimeout            Code = "timeout"
	CodeSeedMismatch       Code = "seed_mismatch"
	CodePatchApplyConflict Code = "patch_apply_conflict"
	CodePatchApplyError    Code = "patch_apply_error"
	CodeBlockedConflict    Code = "blocked_conflict"
	CodeBlockedPolicy      Code = "blocked_policy"
	CodeAuthFailure        Code = "auth_failure"
	CodeUpstreamHTTP       Code = "upstream_http"
	CodeInternal           Code = "internal"
)

// Error is a failure with a taxonomy code and a human message. Conflict
// errors additionally carry the unmerged file list; Diagnostics holds the
// trimmed subprocess tail when one exists.
type Error struct {
	Code          Code     `json:"code"`
	Message       string   `json:"error"`
	ConflictFiles []string `json:"conflictFiles,omitempty"`
	Diagnostics   string   `json:"diagnostics,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return e.Message
}

// E builds an *Error with a formatted message.
func E(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Conflict builds a patch_apply_conflict error carrying the unmerged paths.
func Conflict(files []string, format string, args ...any) *Error {
	return &Error{Code: CodePatchApplyConflict, Message: fmt.Sprintf(format, args...), ConflictFiles: files}
}

// CodeOf extracts the taxonomy code from err. Deadline expiry maps to
// timeout; anything untagged is internal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeInternal
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// ConflictFilesOf returns the conflict file list when err is a conflict
// error, nil otherwise.
func ConflictFilesOf(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.ConflictFiles
	}
	return nil
}

// TrimTail keeps at most max bytes from the end of s, cutting on a rune
// boundary and prefixing an ellipsis when anything was dropped. Used for
// subprocess stderr in user-visible messages.
func TrimTail(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := len(s) - max
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return "..." + s[cut:]
}
