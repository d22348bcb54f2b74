package coap

import (
	"time"
)

// Endpoint is the CoAP protocol core: it issues outgoing requests (plain
// or blockwise), matches incoming responses to them, and dispatches
// incoming requests to a [Registry] of resource handlers. All of its state
// is mutated exclusively on its [Loop]; every exported method is safe to
// call from any goroutine and routes through
// [Loop.InvokeSync]/[Loop.InvokeAsync] accordingly.
type Endpoint struct {
	loop     *Loop
	sink     DataSink
	registry *Registry
	cfg      *endpointConfig

	pending *pendingTable

	// outgoing write backlog, populated when sink.PutData returns
	// ResultWouldBlock; flushed from OnCanPutData.
	backlog [][]byte

	// activeCallbackHandle is set while a ResponseListener callback for
	// this handle is executing, so a reentrant CancelRequest for the
	// *same* logical request from within that callback can be rejected
	// with InvalidState instead of silently double-destroying the entry.
	activeCallbackHandle RequestHandle
}

// NewEndpoint constructs an Endpoint bound to loop, reading incoming
// datagrams from source and writing outgoing ones to sink. source may be
// nil for a client-only endpoint that never receives unsolicited requests.
func NewEndpoint(loop *Loop, source DataSource, sink DataSink, registry *Registry, opts ...EndpointOption) *Endpoint {
	e := &Endpoint{
		loop:     loop,
		sink:     sink,
		registry: registry,
		cfg:      resolveEndpointOptions(opts),
		pending:  newPendingTable(),
	}
	if source != nil {
		source.SetDataSink(e)
	}
	if sink != nil {
		sink.SetListener(e)
	}
	return e
}

// SendRequest allocates a token, formats a CON request message, records a
// pending entry, writes it to the sink, and arms the ack timer (section
// 4.3). A non-nil error here means the submission itself failed; listener
// is never called with a terminal outcome before this returns.
func (e *Endpoint) SendRequest(method Code, opts []Option, payload []byte, params ClientParameters, listener ResponseListener) (RequestHandle, error) {
	v, err := e.loop.InvokeSync(func() (any, error) {
		return e.sendRequestOnLoop(method, opts, payload, params, listener)
	})
	if err != nil {
		return 0, err
	}
	return v.(RequestHandle), nil
}

func (e *Endpoint) sendRequestOnLoop(method Code, opts []Option, payload []byte, params ClientParameters, listener ResponseListener) (RequestHandle, error) {
	if listener == nil {
		return 0, ErrInvalidParameters
	}
	maxResendCount, ackTimeout := e.cfg.resolveClientParameters(params)

	entry := e.pending.allocate()
	entry.method = method
	entry.options = append(Options(nil), opts...)
	entry.token = e.pending.allocateToken()
	entry.messageID = e.pending.allocateMessageID()
	entry.listener = listener
	entry.maxResendCount = maxResendCount
	entry.ackTimeout = ackTimeout
	entry.state = pendingAwaitingAck

	msg := &Message{
		Version:   1,
		Type:      TypeCON,
		Code:      method,
		MessageID: entry.messageID,
		Token:     entry.token,
		Options:   entry.options,
		Payload:   payload,
	}
	raw, err := Encode(msg)
	if err != nil {
		return 0, err
	}
	entry.message = raw

	if _, err := e.writeRaw(raw); err != nil {
		return 0, err
	}

	e.pending.register(entry)
	e.armRetransmit(entry, e.loop.Now())
	return entry.handle, nil
}

// armRetransmit schedules the next CON retransmission (or timeout) relative
// to submittedAt + ackTimeout*2^attempt: successive fire times are
// ackTimeout*2^0, *2^1, ... measured
// from the original submission instant, not compounded from the previous
// fire, reproducing the scenario-3 timeline (≈0,200,400,800,1600ms then a
// timeout at ≈3200ms for ackTimeout=200ms, max_resend_count=4).
func (e *Endpoint) armRetransmit(entry *pendingEntry, submittedAt time.Time) {
	target := submittedAt.Add(entry.ackTimeout * time.Duration(1<<uint(entry.attempt)))
	delay := target.Sub(e.loop.Now())
	if delay < 0 {
		delay = 0
	}
	cancel, err := e.loop.ScheduleTimer(delay, func() {
		e.onRetransmitTimer(entry, submittedAt)
	})
	if err != nil {
		return
	}
	entry.cancelTimer = cancel
}

func (e *Endpoint) onRetransmitTimer(entry *pendingEntry, submittedAt time.Time) {
	if _, err := e.pending.byHandle(entry.handle); err != nil {
		return // already destroyed (canceled, or terminal outcome delivered)
	}
	if entry.state != pendingAwaitingAck {
		return
	}
	if entry.attempt >= entry.maxResendCount {
		e.failEntry(entry, ErrorCodeTimeout, "CON retransmission exhausted")
		return
	}
	if _, err := e.writeRaw(entry.message); err != nil {
		e.failEntry(entry, errorCodeFor(err), "retransmission write failed")
		return
	}
	entry.attempt++
	e.armRetransmit(entry, submittedAt)
}

// CancelRequest removes the pending entry for handle and suppresses any
// further listener callback. Idempotent after terminal delivery: a cancel
// after the entry has already been destroyed is a no-op returning success.
// A stale handle (slot reused for a later request) is rejected with
// ErrNoSuchItem, never silently ignored.
func (e *Endpoint) CancelRequest(handle RequestHandle) error {
	_, err := e.loop.InvokeSync(func() (any, error) {
		return nil, e.cancelRequestOnLoop(handle)
	})
	return err
}

func (e *Endpoint) cancelRequestOnLoop(handle RequestHandle) error {
	entry, err := e.pending.byHandle(handle)
	if err != nil {
		if idx := handle.index(); int(idx) < len(e.pending.slots) && e.pending.slots[idx] != nil {
			return ErrNoSuchItem // slot reused by a later request: stale handle
		}
		return nil // already destroyed: idempotent success
	}
	if e.activeCallbackHandle == handle {
		return ErrInvalidState
	}
	entry.state = pendingCanceled
	e.pending.destroy(entry)
	return nil
}

// RegisterRequestHandler registers handler for path with the given flags.
func (e *Endpoint) RegisterRequestHandler(path string, flags HandlerFlags, handler ResourceHandler, opts ...RegistryOption) error {
	_, err := e.loop.InvokeSync(func() (any, error) {
		return nil, e.registry.register(path, flags, handler, opts...)
	})
	return err
}

// UnregisterRequestHandler removes handler's registration at path (or
// every registration of handler, if path is "").
func (e *Endpoint) UnregisterRequestHandler(path string, handler ResourceHandler) error {
	_, err := e.loop.InvokeSync(func() (any, error) {
		return nil, e.registry.unregister(path, handler)
	})
	return err
}

// PutData implements [DataSink]: it is the entry point for every datagram
// arriving from the transport's [DataSource]. Decoding failures are logged
// and the packet silently dropped; PutData itself always reports success
// once handed off to the loop.
func (e *Endpoint) PutData(buffer []byte, meta TransportMetadata) (Result, error) {
	frame := append([]byte(nil), buffer...)
	_ = e.loop.InvokeAsync(func() {
		e.handleDatagram(frame, meta)
	})
	return ResultSuccess, nil
}

// SetListener is part of the [DataSink] interface; this endpoint never
// back-pressures incoming datagrams, so there is nothing to notify.
func (e *Endpoint) SetListener(DataSinkListener) {}

// OnCanPutData implements [DataSinkListener]: it is called by the
// transport sink once back-pressure clears, and flushes anything queued
// in backlog.
func (e *Endpoint) OnCanPutData() {
	_ = e.loop.InvokeAsync(func() {
		e.flushBacklog()
	})
}

func (e *Endpoint) flushBacklog() {
	for len(e.backlog) > 0 {
		raw := e.backlog[0]
		result, err := e.sink.PutData(raw, nil)
		if err != nil || result == ResultWouldBlock {
			return
		}
		e.backlog = e.backlog[1:]
	}
}

// writeRaw hands raw to the transport sink, queuing it on back-pressure.
// A transport write failure propagates synchronously to the caller; no
// listener callback is made for it.
func (e *Endpoint) writeRaw(raw []byte) (Result, error) {
	if e.sink == nil {
		return ResultSuccess, nil
	}
	result, err := e.sink.PutData(raw, nil)
	if err != nil {
		logWarning(e.cfg.logger, "transport write failed", func(b *LogBuilder) { b.Err(err) })
		return result, err
	}
	if result == ResultWouldBlock {
		e.backlog = append(e.backlog, raw)
	}
	return result, nil
}

// handleDatagram implements the incoming-datagram dispatch: ACK/RST
// matching by message-id, then token matching for a pending request, then
// routing a request via the resource registry (which answers unknown paths
// with 4.04), then (no match) an RST or a silent drop.
func (e *Endpoint) handleDatagram(buf []byte, meta TransportMetadata) {
	msg, err := Decode(buf)
	if err != nil {
		logFine(e.cfg.logger, "dropping undecodable datagram", func(b *LogBuilder) { b.Err(err) })
		return
	}

	// Step 1: ACK/RST matching a pending message-id.
	if msg.Type == TypeACK || msg.Type == TypeRST {
		if entry, ok := e.pending.byMessageIDLookup(msg.MessageID); ok {
			e.onAckOrReset(entry, msg)
			return
		}
	}

	// Step 2: token matching a pending request.
	if entry, ok := e.pending.byTokenLookup(msg.Token); ok {
		e.onMatchedResponse(entry, msg)
		return
	}

	// Step 3: route requests via the resource registry.
	if msg.Code.IsRequest() {
		e.dispatchRequest(msg, meta)
		return
	}

	// Step 4: no match. An unexpected CON/NON response (or empty message)
	// is rejected with RST; an unmatched ACK/RST is silently dropped. No
	// listener is invoked without a match either way.
	if msg.Type == TypeCON || msg.Type == TypeNON {
		rst := &Message{Version: 1, Type: TypeRST, Code: CodeEmpty, MessageID: msg.MessageID}
		if raw, err := Encode(rst); err == nil {
			_, _ = e.writeRaw(raw)
		}
	}
}

func (e *Endpoint) onAckOrReset(entry *pendingEntry, msg *Message) {
	if entry.cancelTimer != nil {
		entry.cancelTimer()
		entry.cancelTimer = nil
	}
	if msg.Type == TypeRST {
		e.failEntry(entry, ErrorCodeReset, "reset by peer")
		return
	}
	if entry.source != nil && !entry.uploadFinal {
		e.onUploadAck(entry, msg)
		return
	}
	if msg.Code == CodeEmpty && len(msg.Payload) == 0 && !hasAnyOption(msg.Options) {
		// empty ACK: piggy-backed response still to come, or this was a
		// pure acknowledgement for a separate response.
		e.invokeCallback(entry, func() { entry.listener.OnAck() })
		entry.state = pendingAwaitingResponse
		return
	}
	// piggy-backed response.
	e.onMatchedResponse(entry, msg)
}

func hasAnyOption(o Options) bool { return len(o) > 0 }

func (e *Endpoint) onMatchedResponse(entry *pendingEntry, msg *Message) {
	if entry.cancelTimer != nil {
		entry.cancelTimer()
		entry.cancelTimer = nil
	}

	if block2, ok := msg.Options.Get(OptionBlock2); ok {
		e.onBlockwiseDownloadBlock(entry, msg, block2)
		return
	}

	e.invokeCallback(entry, func() { entry.listener.OnNext(msg, nil) })
	e.invokeCallback(entry, func() { entry.listener.OnComplete() })
	e.pending.destroy(entry)
}

// failEntry delivers a terminal OnError and destroys entry.
func (e *Endpoint) failEntry(entry *pendingEntry, code ErrorCode, message string) {
	e.invokeCallback(entry, func() { entry.listener.OnError(code, message) })
	e.pending.destroy(entry)
}

// invokeCallback runs fn with activeCallbackHandle set to entry's handle,
// enforcing the re-entrancy rule in [Endpoint.cancelRequestOnLoop].
func (e *Endpoint) invokeCallback(entry *pendingEntry, fn func()) {
	prev := e.activeCallbackHandle
	e.activeCallbackHandle = entry.handle
	defer func() { e.activeCallbackHandle = prev }()
	fn()
}

func (e *Endpoint) dispatchRequest(msg *Message, meta TransportMetadata) {
	path := msg.Options.SplitPath(DefaultMaxPathSegments)
	handlerEntry, methodNotAllowed := e.registry.lookup(path, msg.Code)
	if handlerEntry == nil {
		if methodNotAllowed {
			e.sendEmptyResponse(msg, CodeMethodNotAllowed, nil)
		} else {
			e.sendNotFound(msg)
		}
		return
	}
	e.registry.dispatch(e, handlerEntry, msg, meta)
}

func (e *Endpoint) sendNotFound(msg *Message) {
	if msg.Type != TypeCON && msg.Type != TypeNON {
		return
	}
	e.sendEmptyResponse(msg, CodeNotFound, nil)
}

// sendEmptyResponse writes a piggy-backed ACK (or NON response, for a NON
// request) carrying code and an optional payload.
func (e *Endpoint) sendEmptyResponse(req *Message, code Code, payload []byte) {
	e.sendResponse(req, code, nil, payload)
}

// sendResponse writes a piggy-backed ACK (or NON response, for a NON
// request) carrying code, opts, and payload - the shared path used by both
// the 4.04 fallback and the [Registry]'s dispatched responses.
func (e *Endpoint) sendResponse(req *Message, code Code, opts Options, payload []byte) {
	respType := TypeACK
	if req.Type == TypeNON {
		respType = TypeNON
	}
	resp := &Message{
		Version:   1,
		Type:      respType,
		Code:      code,
		MessageID: req.MessageID,
		Token:     req.Token,
		Options:   opts,
		Payload:   payload,
	}
	raw, err := Encode(resp)
	if err != nil {
		logSevere(e.cfg.logger, "failed to encode response", func(b *LogBuilder) { b.Err(err) })
		return
	}
	_, _ = e.writeRaw(raw)
}
