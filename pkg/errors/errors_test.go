package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNewError(t *testing.T) {
	t.Parallel()

	t.Run("creates error with all defaults", func(t *testing.T) {
		err := NewError(ErrCodeSizeExceeded, "Maximum file size exceeded")
		if err == nil {
			t.Fatal("NewError returned nil")
		}
		if err.Code != ErrCodeSizeExceeded {
			t.Errorf("Code = %v, want %v", err.Code, ErrCodeSizeExceeded)
		}
		if err.Category != CategoryCapacity {
			t.Errorf("Category = %v, want %v", err.Category, CategoryCapacity)
		}
		if err.Details == nil || err.Context == nil {
			t.Error("Details/Context maps not initialised")
		}
		if err.Timestamp.IsZero() {
			t.Error("Timestamp not set")
		}
	})

	t.Run("sets correct retryable defaults", func(t *testing.T) {
		if !NewError(ErrCodeProvisioningFailed, "rate limited").Retryable {
			t.Error("ProvisioningFailed should be retryable by default")
		}
		if NewError(ErrCodeChunkAlreadyDone, "dup").Retryable {
			t.Error("ChunkAlreadyDone should not be retryable by default")
		}
	})

	t.Run("sets correct HTTP status defaults", func(t *testing.T) {
		tests := []struct {
			code       ErrorCode
			wantStatus int
		}{
			{ErrCodeInvalidChunkIndex, 400},
			{ErrCodeUnknownTransfer, 404},
			{ErrCodeChunkAlreadyDone, 409},
			{ErrCodeChunksPending, 409},
			{ErrCodeSizeExceeded, 413},
			{ErrCodeInternalError, 500},
			{ErrCodeStorageWrite, 500},
			{ErrCodeProvisioningFailed, 503},
		}

		for _, tt := range tests {
			err := NewError(tt.code, "test")
			if err.HTTPStatus != tt.wantStatus {
				t.Errorf("%v: HTTPStatus = %d, want %d", tt.code, err.HTTPStatus, tt.wantStatus)
			}
		}
	})
}

func TestGetCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code ErrorCode
		want ErrorCategory
	}{
		{ErrCodeInvalidSize, CategoryValidation},
		{ErrCodeSizeExceeded, CategoryCapacity},
		{ErrCodeUnknownFile, CategoryNotFound},
		{ErrCodeDuplicateRegistration, CategoryConflict},
		{ErrCodeAlreadyFinalizing, CategoryState},
		{ErrCodeReleaseFailed, CategoryProvisioning},
		{ErrCodeStagingFailed, CategoryStorage},
		{ErrorCode("SOMETHING_ELSE"), CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := GetCategory(tt.code); got != tt.want {
				t.Errorf("GetCategory(%v) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestVaultError_Error(t *testing.T) {
	t.Parallel()

	t.Run("without component", func(t *testing.T) {
		err := NewError(ErrCodeUnknownTransfer, "Unknown transfer")
		if got := err.Error(); got != "UNKNOWN_TRANSFER: Unknown transfer" {
			t.Errorf("Error() = %q", got)
		}
	})

	t.Run("with component and operation", func(t *testing.T) {
		err := NewError(ErrCodeStagingFailed, "write failed").
			WithComponent("staging").
			WithOperation("put")
		want := "[staging:put] STAGING_FAILED: write failed"
		if got := err.Error(); got != want {
			t.Errorf("Error() = %q, want %q", got, want)
		}
	})

	t.Run("includes cause", func(t *testing.T) {
		err := Wrap(fmt.Errorf("disk full"), ErrCodeStorageWrite, "store failed")
		if !strings.Contains(err.Error(), "disk full") {
			t.Errorf("Error() = %q, want cause included", err.Error())
		}
	})
}

func TestVaultError_IsAndUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := Wrap(cause, ErrCodeProvisioningFailed, "register failed")
	wrapped := fmt.Errorf("allocate: %w", err)

	if !errors.Is(wrapped, cause) {
		t.Error("errors.Is should find the cause through Unwrap")
	}
	if !IsCode(wrapped, ErrCodeProvisioningFailed) {
		t.Error("IsCode should match by code through wrapping")
	}
	if IsCode(wrapped, ErrCodeReleaseFailed) {
		t.Error("IsCode should not match a different code")
	}
	if CodeOf(wrapped) != ErrCodeProvisioningFailed {
		t.Errorf("CodeOf = %v", CodeOf(wrapped))
	}
	if CodeOf(cause) != ErrCodeInternalError {
		t.Errorf("CodeOf(plain) = %v, want INTERNAL_ERROR", CodeOf(cause))
	}
	if !HasCategory(wrapped, CategoryProvisioning) {
		t.Error("HasCategory should report provisioning")
	}
}

func TestVaultError_Builders(t *testing.T) {
	t.Parallel()

	err := NewError(ErrCodeInvalidChunkIndex, "Invalid chunk number").
		WithContext("transfer", "abc").
		WithDetail("index", 7).
		WithRetryable(true)

	if err.Context["transfer"] != "abc" {
		t.Errorf("Context[transfer] = %q", err.Context["transfer"])
	}
	if err.Details["index"] != 7 {
		t.Errorf("Details[index] = %v", err.Details["index"])
	}
	if !err.Retryable {
		t.Error("WithRetryable(true) not applied")
	}
	if !strings.Contains(err.String(), "Details=") {
		t.Errorf("String() = %q, want details", err.String())
	}
}

func TestClientMessage(t *testing.T) {
	t.Parallel()

	if got := NewError(ErrCodeInternalError, "nil pointer in finalize").ClientMessage(); got != "An internal error occurred" {
		t.Errorf("internal ClientMessage = %q", got)
	}
	if got := NewError(ErrCodeSizeExceeded, "Maximum file size exceeded").ClientMessage(); got != "Maximum file size exceeded" {
		t.Errorf("capacity ClientMessage = %q", got)
	}
}
