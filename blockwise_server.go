package coap

import (
	"bytes"
	"crypto/rand"
)

// block1State is a single registered resource's BLOCK1 reassembly
// bookkeeping: `{block_info, etag}`. Only one upload is tracked at a time
// per resource - a second client starting a transfer (offset 0) before the
// first finishes restarts the reassembly with a fresh etag, and the first
// client's next fragment is then rejected like any other out-of-order
// fragment.
type block1State struct {
	active     bool
	nextOffset uint32
	szx        SZX
	etag       []byte
	body       []byte

	// lastOffset/lastSZX/lastPayload identify the most recently accepted
	// fragment, and lastResponse is the exact response it produced. A
	// fragment that exactly repeats them is a CON retransmission (the
	// original's ACK was lost), not a continuity violation, and gets
	// lastResponse replayed verbatim instead of being re-processed -
	// mirroring GG_CoapBlockwiseServerHelper_OnRequest's request_was_resent
	// out-parameter (jni_gg_coap_server_block.cpp).
	lastOffset        uint32
	lastSZX           SZX
	lastPayload       []byte
	lastResponse      cachedBlock1Response
	lastResponseValid bool
}

// cachedBlock1Response is the response most recently sent for the fragment
// identified by block1State.lastOffset/lastSZX/lastPayload.
type cachedBlock1Response struct {
	code    Code
	opts    Options
	payload []byte
}

// reset reinitializes the state for a fresh upload starting at offset 0,
// stamping a new etag and invalidating any cached retransmission response.
func (b *block1State) reset(szx SZX) {
	b.active = true
	b.nextOffset = 0
	b.szx = szx
	b.etag = newETag()
	b.body = b.body[:0]
	b.lastResponseValid = false
}

// remember records resp as the response just sent for the fragment at
// offset/szx/payload, so a byte-identical retransmission can replay it.
func (b *block1State) remember(offset uint32, szx SZX, payload []byte, code Code, opts Options, respPayload []byte) {
	b.lastOffset = offset
	b.lastSZX = szx
	b.lastPayload = append([]byte(nil), payload...)
	b.lastResponse = cachedBlock1Response{
		code:    code,
		opts:    append(Options(nil), opts...),
		payload: append([]byte(nil), respPayload...),
	}
	b.lastResponseValid = true
}

// duplicateOf reports whether a fragment at offset/szx carrying payload
// exactly repeats the most recently accepted one, per remember.
func (b *block1State) duplicateOf(offset uint32, szx SZX, payload []byte) bool {
	return b.lastResponseValid && offset == b.lastOffset && szx == b.lastSZX && bytes.Equal(payload, b.lastPayload)
}

func newETag() []byte {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return buf[:]
}

// dispatchBlock1 drives one fragment of a BLOCK1 reassembly: offset 0
// starts a fresh transfer, any other offset must match the next expected
// byte and block size exactly or the transfer is rejected with 4.08 Request
// Entity Incomplete. A fragment that exactly repeats the most recently
// accepted one - same offset, szx, and payload - is a CON retransmission,
// not a continuity violation: its cached response is replayed verbatim
// rather than recomputed, satisfying the "identical retransmitted requests
// produce byte-identical responses" contract. The final fragment
// (more=false) hands the fully reassembled body to entry's handler and
// relays its response, tagged with the transfer's etag; every intermediate
// fragment gets a bare 2.31 Continue echoing the BLOCK1 option.
func (r *Registry) dispatchBlock1(e *Endpoint, entry *registryEntry, msg *Message, meta TransportMetadata, block1 Option) {
	num, more, szx, err := DecodeBlockOption(block1.Value)
	if err != nil {
		e.sendEmptyResponse(msg, CodeBadRequest, nil)
		return
	}
	offset := num * uint32(szx.Size())

	if entry.block1.duplicateOf(offset, szx, msg.Payload) {
		cached := entry.block1.lastResponse
		e.sendResponse(msg, cached.code, cached.opts, cached.payload)
		return
	}

	switch {
	case offset == 0:
		entry.block1.reset(szx)
	case !entry.block1.active || offset != entry.block1.nextOffset || szx != entry.block1.szx:
		e.sendEmptyResponse(msg, CodeRequestEntityIncomplete, nil)
		return
	}

	entry.block1.body = append(entry.block1.body, msg.Payload...)
	entry.block1.nextOffset = offset + uint32(len(msg.Payload))

	if more {
		respOpt, err := BlockOption(OptionBlock1, num, true, szx)
		if err != nil {
			e.sendEmptyResponse(msg, CodeInternalServerError, nil)
			return
		}
		opts := Options{respOpt}
		entry.block1.remember(offset, szx, msg.Payload, codeContinue, opts, nil)
		e.sendResponse(msg, codeContinue, opts, nil)
		return
	}

	body := append([]byte(nil), entry.block1.body...)
	etag := entry.block1.etag
	entry.block1.active = false

	reassembled := &Message{
		Version:   msg.Version,
		Type:      msg.Type,
		Code:      msg.Code,
		MessageID: msg.MessageID,
		Token:     msg.Token,
		Options:   msg.Options,
		Payload:   body,
	}
	code, resp, err := entry.handler.OnRequest(e, reassembled, meta)
	if err != nil {
		e.sendEmptyResponse(msg, CodeInternalServerError, nil)
		return
	}
	finalOpt, err := BlockOption(OptionBlock1, num, false, szx)
	if err != nil {
		e.sendEmptyResponse(msg, CodeInternalServerError, nil)
		return
	}
	opts := Options{finalOpt, NewOpaqueOption(OptionETag, etag)}
	var payload []byte
	if resp != nil {
		opts = append(opts, contentFormatOptions(resp)...)
		payload = resp.Payload
	}
	entry.block1.remember(offset, szx, msg.Payload, code, opts, payload)
	e.sendResponse(msg, code, opts, payload)
}

// codeContinue is 2.31 Continue, used only by the BLOCK1 reassembly helper.
var codeContinue = NewCode(2, 31)

// dispatchBlock2 answers a GET whose [Response] opted into
// AutogenerateBlockwise: it pulls exactly one block from resp.Source at the
// offset named by the request's own BLOCK2 option (block 0, at the
// endpoint's default SZX, if the request carries none).
func (r *Registry) dispatchBlock2(e *Endpoint, entry *registryEntry, msg *Message, code Code, resp *Response) {
	num, szx := uint32(0), e.cfg.defaultSZX
	if opt, ok := msg.Options.Get(OptionBlock2); ok {
		if n, _, s, err := DecodeBlockOption(opt.Value); err == nil {
			num, szx = n, s
		}
	}
	if resp.Source == nil {
		e.sendEmptyResponse(msg, CodeInternalServerError, nil)
		return
	}

	offset := num * uint32(szx.Size())
	bs, err := resp.Source.GetDataSize(offset, int(szx.Size()))
	if err != nil {
		e.sendEmptyResponse(msg, CodeInternalServerError, nil)
		return
	}
	if !bs.InRange {
		e.sendEmptyResponse(msg, CodeRequestEntityIncomplete, nil)
		return
	}

	buf := make([]byte, bs.Size)
	if err := resp.Source.GetData(offset, bs.Size, buf); err != nil {
		e.sendEmptyResponse(msg, CodeInternalServerError, nil)
		return
	}

	blockOpt, err := BlockOption(OptionBlock2, num, bs.More, szx)
	if err != nil {
		e.sendEmptyResponse(msg, CodeInternalServerError, nil)
		return
	}
	opts := append(contentFormatOptions(resp), blockOpt)
	if len(resp.ETag) > 0 {
		opts = append(opts, NewOpaqueOption(OptionETag, resp.ETag))
	}
	e.sendResponse(msg, code, opts, buf)
}
