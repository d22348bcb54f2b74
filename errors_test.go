package coap

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapErrorPreservesIs(t *testing.T) {
	wrapped := WrapError("decode message", ErrInvalidFormat)
	assert.ErrorIs(t, wrapped, ErrInvalidFormat)
	assert.Contains(t, wrapped.Error(), "decode message")
}

func TestErrorCodeForMapsSentinels(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorCode
	}{
		{ErrOutOfMemory, ErrorCodeOutOfMemory},
		{ErrInvalidParameters, ErrorCodeInvalidParameters},
		{ErrInvalidState, ErrorCodeInvalidState},
		{ErrInvalidFormat, ErrorCodeInvalidFormat},
		{ErrOutOfRange, ErrorCodeOutOfRange},
		{ErrNotEnoughSpace, ErrorCodeNotEnoughSpace},
		{ErrTimeout, ErrorCodeTimeout},
		{ErrReset, ErrorCodeReset},
		{ErrNoSuchItem, ErrorCodeNoSuchItem},
		{ErrOutOfResources, ErrorCodeOutOfResources},
		{errors.New("unmapped"), ErrorCodeInternal},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, errorCodeFor(c.err))
	}
}

func TestErrorCodeString(t *testing.T) {
	assert.Equal(t, "Timeout", ErrorCodeTimeout.String())
	assert.Equal(t, "Unknown", ErrorCode(255).String())
}
