package harnesserr

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError(t *testing.T) {
	err := NewError(CodeBuildFailed, "Build failed")

	assert.Equal(t, CodeBuildFailed, err.Code)
	assert.Equal(t, "Build failed", err.Message)

	errStr := err.Error()
	assert.Contains(t, errStr, string(CodeBuildFailed))
	assert.Contains(t, errStr, "Build failed")
}

func TestErrorContextIsSorted(t *testing.T) {
	err := NewError(CodeInstallFailed, "Install failed").
		WithContext("zeta", 1).
		WithContext("alpha", "x")

	errStr := err.Error()
	assert.Contains(t, errStr, "Context: alpha=x, zeta=1")
}

func TestErrorWithCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := HealthCheck("localhost:8080", cause)

	assert.Same(t, cause, err.Cause)
	assert.Contains(t, err.Error(), "connection refused")
	assert.True(t, errors.Is(err, cause), "errors.Is should work with Unwrap")
}

func TestErrorWithSuggestion(t *testing.T) {
	err := HealthCheck("localhost:8081", nil)

	require.NotEmpty(t, err.Suggestion)
	assert.Contains(t, err.Error(), "curl -i http://localhost:8081/get-status")
}

func TestInvalidConfiguration(t *testing.T) {
	err := InvalidConfiguration("node_count", 0, "node count must be at least 1")

	assert.Equal(t, CodeInvalidConfiguration, err.Code)
	assert.Equal(t, "node_count", err.Context["field"])
	assert.Equal(t, 0, err.Context["value"])
	assert.Contains(t, err.Error(), "node count must be at least 1")
}

func TestBuildCarriesToolchainOutput(t *testing.T) {
	err := Build("/svc/server", "  ./main.go:3:1: syntax error\n", errors.New("exit status 1"))

	assert.Equal(t, "./main.go:3:1: syntax error", err.Context["output"])
	assert.Contains(t, err.Error(), "syntax error")
	assert.Contains(t, err.Suggestion, "cd /svc/server")
}

func TestClassificationThroughWrapping(t *testing.T) {
	base := Packaging("missing config", "/svc/server/config.toml", nil)
	wrapped := fmt.Errorf("package service: %w", base)
	joined := errors.Join(errors.New("other"), NodeLaunch("gonolith2", errors.New("boom")))

	assert.True(t, Is(wrapped, CodePackagingFailed))
	assert.Equal(t, CodePackagingFailed, CodeOf(wrapped))
	assert.True(t, Is(joined, CodeNodeLaunchFailed))
	assert.Contains(t, SuggestionOf(joined), "Port already in use")
}

func TestClassificationOfPlainErrors(t *testing.T) {
	err := errors.New("plain")

	assert.False(t, Is(err, CodeBuildFailed))
	assert.Equal(t, ErrorCode(""), CodeOf(err))
	assert.Equal(t, "", SuggestionOf(err))
	assert.Equal(t, ErrorCode(""), CodeOf(nil))
}

func TestTeardownAndInstall(t *testing.T) {
	td := Teardown("gonolith1", errors.New("timeout"))
	in := Install("localhost:8080", "500 Internal Server Error: disk full")

	assert.Equal(t, CodeTeardownFailed, td.Code)
	assert.True(t, strings.Contains(in.Error(), "disk full"))
}
