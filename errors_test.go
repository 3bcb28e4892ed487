package krisos

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKernelError_UnwrapsToSentinel(t *testing.T) {
	err := wrapErr("Kernel.Example", CategoryWouldBlock, nil)
	require.ErrorIs(t, err, ErrWouldBlock)

	var ke *KernelError
	require.True(t, errors.As(err, &ke))
	require.Equal(t, "Kernel.Example", ke.Op)
	require.Equal(t, CategoryWouldBlock, ke.Category)
}

func TestKernelError_UnwrapsToBothSentinelAndCause(t *testing.T) {
	cause := errors.New("boom")
	err := wrapErr("Kernel.Example", CategoryResourceExhausted, cause)
	require.ErrorIs(t, err, ErrResourceExhausted)
	require.ErrorIs(t, err, cause)
}

func TestSpecialCaseSentinels_WrapTheirCategory(t *testing.T) {
	require.ErrorIs(t, ErrFromISR, ErrDisciplineViolation)
	require.ErrorIs(t, ErrHeapExhausted, ErrResourceExhausted)
	require.ErrorIs(t, ErrNotOwner, ErrDisciplineViolation)
	require.ErrorIs(t, ErrContended, ErrDisciplineViolation)
}

func TestErrorCategory_StringIsHumanReadable(t *testing.T) {
	cases := map[ErrorCategory]string{
		CategoryBadArgument:         "bad argument",
		CategoryResourceExhausted:   "resource exhausted",
		CategoryWouldBlock:          "would block",
		CategoryDisciplineViolation: "discipline violation",
		CategoryExpiredTimeout:      "expired timeout",
	}
	for cat, want := range cases {
		require.Equal(t, want, cat.String())
	}
}

func TestWrapError_PreservesCauseChain(t *testing.T) {
	cause := errors.New("underlying")
	err := WrapError("while doing something", cause)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "while doing something")
}

func TestFatalError_UnwrapsToCause(t *testing.T) {
	cause := errors.New("corrupted linkage")
	fe := &FatalError{Op: "Kernel.newTask", Cause: cause}
	require.ErrorIs(t, error(fe), cause)
	require.Contains(t, fe.Error(), "corrupted linkage")
}
