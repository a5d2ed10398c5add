package iostatus

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"testing"

	"code.hybscloud.com/iox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	for _, tc := range []struct {
		in, out int
	}{
		{in: 0, out: 0},
		{in: 17, out: 17},
		{in: EOF, out: EOF},
		{in: Unavailable, out: 0},
	} {
		t.Run(String(tc.in), func(t *testing.T) {
			assert.Equal(t, tc.out, Normalize(tc.in))
			assert.Equal(t, int64(tc.out), NormalizeAll(int64(tc.in)))
		})
	}
}

func TestNormalize_assertion(t *testing.T) {
	for _, n := range []int{Interrupted, Unsupported, UnsupportedCase, -100} {
		t.Run(String(n), func(t *testing.T) {
			defer func() {
				r := recover()
				require.NotNil(t, r)
				err, ok := r.(*AssertionError)
				require.True(t, ok, "%T", r)
				assert.Equal(t, n, err.Status)
			}()
			Normalize(n)
		})
	}
}

func TestCheck(t *testing.T) {
	assert.True(t, Check(5))
	assert.True(t, Check(EOF))
	assert.True(t, Check(Unavailable))
	assert.False(t, Check(Interrupted))
	assert.False(t, CheckAll(Unsupported))
}

func TestRetry(t *testing.T) {
	var calls int
	n, err := Retry(func() (int, error) {
		calls++
		if calls < 3 {
			return Interrupted, nil
		}
		return 42, nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 42, n)
	assert.Equal(t, 3, calls)
}

func TestRetry_stopsWhenClosed(t *testing.T) {
	var calls int
	n, err := Retry(func() (int, error) {
		calls++
		return Interrupted, nil
	}, func() bool { return calls < 2 })
	require.NoError(t, err)
	assert.Equal(t, Interrupted, n)
	assert.Equal(t, 2, calls)
}

func TestRetry_error(t *testing.T) {
	want := errors.New("boom")
	n, err := Retry(func() (int, error) { return 0, want }, nil)
	assert.Equal(t, 0, n)
	assert.Same(t, want, err)
}

func TestFromErr(t *testing.T) {
	other := errors.New("other")
	for _, tc := range []struct {
		name string
		n    int
		err  error
		want int
		werr error
	}{
		{name: "count", n: 3, want: 3},
		{name: "negative without error", n: -1, want: 0},
		{name: "eintr", n: -1, err: syscall.EINTR, want: Interrupted},
		{name: "eagain", n: -1, err: &os.SyscallError{Syscall: "read", Err: syscall.EAGAIN}, want: Unavailable},
		{name: "iox would block", err: fmt.Errorf("wrapped: %w", iox.ErrWouldBlock), want: Unavailable},
		{name: "eof", err: io.EOF, want: EOF},
		{name: "unsupported", err: ErrUnsupported, want: Unsupported},
		{name: "other", n: -1, err: other, want: 0, werr: other},
	} {
		t.Run(tc.name, func(t *testing.T) {
			n, err := FromErr(tc.n, tc.err)
			assert.Equal(t, tc.want, n)
			assert.Equal(t, tc.werr, err)
		})
	}
}

func TestErr(t *testing.T) {
	assert.NoError(t, Err(0))
	assert.ErrorIs(t, Err(EOF), io.EOF)
	assert.True(t, iox.IsWouldBlock(Err(Unavailable)))
	assert.ErrorIs(t, Err(Interrupted), ErrInterrupted)
	assert.ErrorIs(t, Err(Unsupported), ErrUnsupported)
	assert.ErrorIs(t, Err(UnsupportedCase), ErrUnsupported)
	var ae *AssertionError
	assert.ErrorAs(t, Err(-99), &ae)
}
