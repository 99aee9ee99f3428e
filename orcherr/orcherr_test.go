package orcherr_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskrun/orchestrator/orcherr"
)

func TestError_IsMatchesKindAndReason(t *testing.T) {
	err := orcherr.New(orcherr.KindValidation, orcherr.ReasonEmpty, "instruction is empty")
	assert.True(t, err.Is(orcherr.New(orcherr.KindValidation, orcherr.ReasonEmpty, "")))
	assert.False(t, err.Is(orcherr.New(orcherr.KindValidation, orcherr.ReasonTooLong, "")))
	assert.False(t, err.Is(orcherr.New(orcherr.KindPlanning, orcherr.ReasonEmpty, "")))
}

func TestError_IsWildcardReasonMatchesAnyWithinKind(t *testing.T) {
	err := orcherr.New(orcherr.KindPlanning, orcherr.ReasonPlanningTimeout, "timed out")
	assert.True(t, err.Is(orcherr.New(orcherr.KindPlanning, "", "")))
}

func TestError_WrapPreservesCauseViaUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	wrapped := orcherr.Wrap(orcherr.KindInfrastructure, orcherr.ReasonHistoryIO, "", cause)

	assert.Equal(t, cause.Error(), wrapped.Message)
	require.Error(t, wrapped.Unwrap())
	assert.Equal(t, cause.Error(), wrapped.Unwrap().Error())
}

func TestFromError_PreservesExistingError(t *testing.T) {
	original := orcherr.New(orcherr.KindExecution, orcherr.ReasonExecutorFatal, "tool crashed")
	assert.Same(t, original, orcherr.FromError(original))
}

func TestFromError_WrapsPlainError(t *testing.T) {
	plain := errors.New("boom")
	wrapped := orcherr.FromError(plain)
	require.NotNil(t, wrapped)
	assert.Equal(t, orcherr.KindInfrastructure, wrapped.Kind)
	assert.Equal(t, "boom", wrapped.Error())
}

func TestFromError_Nil(t *testing.T) {
	assert.Nil(t, orcherr.FromError(nil))
}

func TestErrorf_FormatsMessage(t *testing.T) {
	err := orcherr.Errorf(orcherr.KindPlanning, orcherr.ReasonPlanningMalformed, "plan had %d steps, want at least 1", 0)
	assert.Equal(t, "plan had 0 steps, want at least 1", err.Error())
}

func TestRetryable_Classification(t *testing.T) {
	retryable := []orcherr.Reason{
		orcherr.ReasonExecutorTransient,
		orcherr.ReasonVerificationFailed,
		orcherr.ReasonPlanningTimeout,
		orcherr.ReasonPlanningRefused,
		orcherr.ReasonPlanningMalformed,
	}
	for _, reason := range retryable {
		err := orcherr.New(orcherr.KindExecution, reason, "")
		assert.True(t, err.Retryable(), "expected %s to be retryable", reason)
	}

	notRetryable := []orcherr.Reason{
		orcherr.ReasonEmpty,
		orcherr.ReasonForbidden,
		orcherr.ReasonExecutorFatal,
		orcherr.ReasonCancelled,
	}
	for _, reason := range notRetryable {
		err := orcherr.New(orcherr.KindValidation, reason, "")
		assert.False(t, err.Retryable(), "expected %s not to be retryable", reason)
	}
}

func TestRetryable_NilError(t *testing.T) {
	var err *orcherr.Error
	assert.False(t, err.Retryable())
}

func TestErrorsIs_WorksThroughStandardLibrary(t *testing.T) {
	err := orcherr.New(orcherr.KindAdmission, orcherr.ReasonBackpressureFull, "queue full")
	assert.True(t, errors.Is(err, orcherr.New(orcherr.KindAdmission, orcherr.ReasonBackpressureFull, "")))
}
