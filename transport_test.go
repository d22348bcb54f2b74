package coap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMethodMaskAllows(t *testing.T) {
	mask := MethodGET | MethodPUT
	assert.True(t, mask.Allows(CodeGET))
	assert.True(t, mask.Allows(CodePUT))
	assert.False(t, mask.Allows(CodePOST))
	assert.False(t, mask.Allows(CodeDELETE))
	assert.False(t, mask.Allows(CodeContent)) // not a request method at all
}

func TestBaseResponseListenerIsANoOp(t *testing.T) {
	var l BaseResponseListener
	// none of these should panic; BaseResponseListener exists purely to be
	// embedded and selectively overridden.
	l.OnAck()
	l.OnNext(&Message{}, nil)
	l.OnComplete()
	l.OnError(ErrorCodeInternal, "boom")
}

func TestResourceHandlerFuncAdapts(t *testing.T) {
	called := false
	var fn ResourceHandlerFunc = func(e *Endpoint, req *Message, meta TransportMetadata) (Code, *Response, error) {
		called = true
		return CodeContent, &Response{}, nil
	}
	code, resp, err := fn.OnRequest(nil, &Message{}, nil)
	assert.True(t, called)
	assert.NoError(t, err)
	assert.Equal(t, CodeContent, code)
	assert.NotNil(t, resp)
}
