// Package harnesserr defines the coded error type shared by every stage of the
// cluster harness pipeline.
//
// Each error carries a Code identifying the failure class, a human readable
// message, optional key/value context, the underlying cause and an actionable
// suggestion. The classification helpers use errors.As, so codes survive
// fmt.Errorf("...: %w") wrapping and errors.Join.
package harnesserr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorCode identifies categories of errors
type ErrorCode string

const (
	// CodeInvalidConfiguration - bad allocator or component input, fatal before launch
	CodeInvalidConfiguration ErrorCode = "INVALID_CONFIGURATION"
	// CodeNodeLaunchFailed - a single node failed to spawn or become ready
	CodeNodeLaunchFailed ErrorCode = "NODE_LAUNCH_FAILED"
	// CodeBuildFailed - the service toolchain exited non-zero
	CodeBuildFailed ErrorCode = "BUILD_FAILED"
	// CodePackagingFailed - missing or corrupt artifact files
	CodePackagingFailed ErrorCode = "PACKAGING_FAILED"
	// CodeHealthCheckFailed - target node unreachable or unhealthy
	CodeHealthCheckFailed ErrorCode = "HEALTH_CHECK_FAILED"
	// CodeInstallFailed - upload rejected or transport failure
	CodeInstallFailed ErrorCode = "INSTALL_FAILED"
	// CodeTeardownFailed - a node did not stop gracefully
	CodeTeardownFailed ErrorCode = "TEARDOWN_FAILED"
)

// Error represents a harness error with additional context for troubleshooting.
type Error struct {
	// Code identifies the error type
	Code ErrorCode

	// Message is the primary error message
	Message string

	// Context provides additional details
	Context map[string]interface{}

	// Cause is the underlying error (if any)
	Cause error

	// Suggestion provides actionable guidance for resolving the error
	Suggestion string
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		contextParts := make([]string, 0, len(keys))
		for _, k := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, fmt.Sprintf("Context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause: %v", e.Cause))
	}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("Suggestion: %s", e.Suggestion))
	}

	return strings.Join(parts, "; ")
}

// Unwrap returns the underlying error for errors.Is/As compatibility
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds context information to the error
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCause adds the underlying cause to the error
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithSuggestion adds an actionable suggestion to the error
func (e *Error) WithSuggestion(suggestion string) *Error {
	e.Suggestion = suggestion
	return e
}

// Common error constructors with helpful suggestions

// InvalidConfiguration creates an error for configuration validation failures
func InvalidConfiguration(field string, value interface{}, reason string) *Error {
	return NewError(CodeInvalidConfiguration,
		fmt.Sprintf("Invalid configuration: %s", reason)).
		WithContext("field", field).
		WithContext("value", value).
		WithSuggestion("Review the harness configuration; no node has been started.")
}

// NodeLaunch creates an error for a node that failed to spawn or become ready
func NodeLaunch(node string, cause error) *Error {
	return NewError(CodeNodeLaunchFailed,
		fmt.Sprintf("Failed to launch node '%s'", node)).
		WithContext("node", node).
		WithCause(cause).
		WithSuggestion(
			"Common causes:\n" +
				"  1. Node command not found or not runnable\n" +
				"  2. Port already in use by a previous run\n" +
				"  3. Node crashed during startup (check the node log)")
}

// Build creates an error for a failed toolchain invocation. Output is the
// captured diagnostic stream of the toolchain.
func Build(dir string, output string, cause error) *Error {
	return NewError(CodeBuildFailed,
		fmt.Sprintf("Service build failed in %s", dir)).
		WithContext("dir", dir).
		WithContext("output", strings.TrimSpace(output)).
		WithCause(cause).
		WithSuggestion(fmt.Sprintf(
			"Reproduce the build manually:\n"+
				"  cd %s && go build .", dir))
}

// Packaging creates an error for missing or corrupt artifact files
func Packaging(reason string, path string, cause error) *Error {
	return NewError(CodePackagingFailed,
		fmt.Sprintf("Packaging failed: %s", reason)).
		WithContext("reason", reason).
		WithContext("path", path).
		WithCause(cause)
}

// HealthCheck creates an error for a node that did not pass its status probe
func HealthCheck(address string, cause error) *Error {
	return NewError(CodeHealthCheckFailed,
		fmt.Sprintf("Node at %s failed health check", address)).
		WithContext("address", address).
		WithCause(cause).
		WithSuggestion(fmt.Sprintf(
			"Verify the node is responding:\n"+
				"  curl -i http://%s/get-status", address))
}

// Install creates an error for a rejected or failed service upload
func Install(address string, diagnostic string) *Error {
	return NewError(CodeInstallFailed,
		fmt.Sprintf("Service install on %s failed", address)).
		WithContext("address", address).
		WithContext("diagnostic", diagnostic)
}

// Teardown creates an error for a node that had to be force-terminated
func Teardown(node string, cause error) *Error {
	return NewError(CodeTeardownFailed,
		fmt.Sprintf("Node '%s' did not stop gracefully", node)).
		WithContext("node", node).
		WithCause(cause)
}

// Is checks if err, or any error it wraps, has the specified error code
func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// CodeOf returns the error code from an error, or empty string if err is not
// (and does not wrap) an *Error
func CodeOf(err error) ErrorCode {
	var herr *Error
	if errors.As(err, &herr) {
		return herr.Code
	}
	return ""
}

// SuggestionOf returns the suggestion from an error, or empty string if not available
func SuggestionOf(err error) string {
	var herr *Error
	if errors.As(err, &herr) {
		return herr.Suggestion
	}
	return ""
}
