package coap

import (
	"encoding/binary"
	"time"
)

// sliceBufferSource is the default [BufferSource]: a plain make([]byte, n).
type sliceBufferSource struct{}

func (sliceBufferSource) Allocate(size int) ([]byte, error) {
	return make([]byte, size), nil
}

// eventEntry tracks one event type's pending/in-flight state. eventType==0
// marks a free slot, matching the original's GG_COAP_EVENT_EMITTER_TYPE_NONE
// sentinel - event type 0 is therefore reserved and may not be set.
type eventEntry struct {
	eventType uint32
	windowEnd time.Time
	inFlight  bool
}

// EventEmitter guarantees at-least-once, coalesced delivery of a set of
// currently-set event types to a single CoAP resource, POSTing a
// protobuf-varint-encoded payload and retrying (both at the CoAP
// retransmission level and, on top of that, at the service level) until a
// 2.04 Changed response is received. A 4.xx response ends delivery of the
// in-flight events without a retry.
type EventEmitter struct {
	endpoint *Endpoint
	loop     *Loop
	cfg      *emitterConfig
	pathOpts []Option

	entries []eventEntry

	requestHandle    RequestHandle
	requestHandleSet bool
	requestTimestamp time.Time
	lastResponseCode Code

	cancelTimer func()
}

// NewEventEmitter constructs an [EventEmitter] that POSTs to path (at most
// the configured max-path-segments long) through endpoint, tracking at most
// maxEvents distinct event types at a time.
func NewEventEmitter(endpoint *Endpoint, path string, maxEvents int, opts ...EmitterOption) (*EventEmitter, error) {
	if endpoint == nil || maxEvents <= 0 {
		return nil, ErrInvalidParameters
	}
	cfg := resolveEmitterOptions(opts)
	segments := PathOptions(path)
	if len(segments) > cfg.maxPathSegments {
		return nil, ErrInvalidParameters
	}
	return &EventEmitter{
		endpoint: endpoint,
		loop:     endpoint.loop,
		cfg:      cfg,
		pathOpts: segments,
		entries:  make([]eventEntry, maxEvents),
	}, nil
}

// SetEvent marks eventType as pending, to be delivered within maxLatency -
// coalescing with an already-pending (or in-flight) entry for the same
// event type rather than allocating a second one.
func (em *EventEmitter) SetEvent(eventType uint32, maxLatency time.Duration) error {
	if eventType == 0 {
		return ErrInvalidParameters
	}
	_, err := em.loop.InvokeSync(func() (any, error) {
		return nil, em.setEventOnLoop(eventType, maxLatency)
	})
	return err
}

func (em *EventEmitter) setEventOnLoop(eventType uint32, maxLatency time.Duration) error {
	windowEnd := em.loop.Now().Add(maxLatency)

	var insertion *eventEntry
	coalesced := false
	for i := range em.entries {
		if em.entries[i].eventType == eventType {
			insertion = &em.entries[i]
			coalesced = true
			break
		}
		if insertion == nil && em.entries[i].eventType == 0 {
			insertion = &em.entries[i]
		}
	}
	if insertion == nil {
		return ErrOutOfResources
	}

	insertion.eventType = eventType
	insertion.windowEnd = windowEnd
	if !coalesced {
		insertion.inFlight = false
	}

	em.update()
	return nil
}

// UnsetEvent clears eventType, canceling any pending emission it alone was
// responsible for scheduling.
func (em *EventEmitter) UnsetEvent(eventType uint32) error {
	_, err := em.loop.InvokeSync(func() (any, error) {
		return nil, em.unsetEventOnLoop(eventType)
	})
	return err
}

func (em *EventEmitter) unsetEventOnLoop(eventType uint32) error {
	for i := range em.entries {
		if em.entries[i].eventType == eventType {
			em.entries[i] = eventEntry{}
			em.update()
			return nil
		}
	}
	return ErrNoSuchItem
}

// EventIsSet reports whether eventType currently has a pending or in-flight
// entry.
func (em *EventEmitter) EventIsSet(eventType uint32) bool {
	v, _ := em.loop.InvokeSync(func() (any, error) {
		for _, e := range em.entries {
			if e.eventType == eventType {
				return true, nil
			}
		}
		return false, nil
	})
	return v.(bool)
}

// Close cancels any in-flight request and pending timer; it does not clear
// already-set event state.
func (em *EventEmitter) Close() error {
	_, err := em.loop.InvokeSync(func() (any, error) {
		if em.requestHandleSet {
			_ = em.endpoint.cancelRequestOnLoop(em.requestHandle)
			em.requestHandleSet = false
		}
		if em.cancelTimer != nil {
			em.cancelTimer()
			em.cancelTimer = nil
		}
		return nil, nil
	})
	return err
}

// update is the state machine's single entry point: it cancels a too-old
// in-flight request, then either emits immediately, arms a timer for the
// next window end, or does nothing if there is no pending event and no
// request in flight.
func (em *EventEmitter) update() {
	now := em.loop.Now()

	if em.requestHandleSet {
		age := now.Sub(em.requestTimestamp)
		if age > em.cfg.minRequestAge {
			logFine(em.cfg.logger, "in-flight request is old enough to cancel", nil)
			_ = em.endpoint.cancelRequestOnLoop(em.requestHandle)
			em.requestHandleSet = false
		}
	}

	if em.requestHandleSet {
		logFine(em.cfg.logger, "request still in flight", nil)
		return
	}

	windowEnd, ok := em.nextWindowEnd()
	if !ok {
		return
	}
	if !windowEnd.After(now) {
		em.emit()
		return
	}
	em.armTimer(windowEnd.Sub(now))
}

func (em *EventEmitter) nextWindowEnd() (time.Time, bool) {
	var (
		best  time.Time
		found bool
	)
	for _, e := range em.entries {
		if e.eventType == 0 {
			continue
		}
		if !found || e.windowEnd.Before(best) {
			best, found = e.windowEnd, true
		}
	}
	return best, found
}

func (em *EventEmitter) armTimer(delay time.Duration) {
	if em.cancelTimer != nil {
		em.cancelTimer()
		em.cancelTimer = nil
	}
	cancel, err := em.loop.ScheduleTimer(delay, em.onTimerFired)
	if err != nil {
		logWarning(em.cfg.logger, "failed to arm emitter timer", func(b *LogBuilder) { b.Err(err) })
		return
	}
	em.cancelTimer = cancel
}

func (em *EventEmitter) onTimerFired() {
	em.cancelTimer = nil
	em.update()
}

// emit marks every pending entry in-flight, encodes the payload, and sends
// it; a submission failure is treated the same as a later on_error(other):
// retry after retry_delay.
func (em *EventEmitter) emit() {
	for i := range em.entries {
		if em.entries[i].eventType != 0 {
			em.entries[i].inFlight = true
		}
	}

	payload, err := em.encodePayload()
	if err != nil {
		logWarning(em.cfg.logger, "failed to encode emitter payload", func(b *LogBuilder) { b.Err(err) })
		em.armTimer(em.cfg.retryDelay)
		return
	}

	handle, err := em.endpoint.SendRequest(CodePOST, em.pathOpts, payload, ClientParameters{}, em)
	if err != nil {
		logWarning(em.cfg.logger, "emitter request submission failed, will retry", func(b *LogBuilder) { b.Err(err) })
		em.armTimer(em.cfg.retryDelay)
		return
	}

	em.requestHandle = handle
	em.requestHandleSet = true
	em.requestTimestamp = em.loop.Now()
	if em.cancelTimer != nil {
		em.cancelTimer()
		em.cancelTimer = nil
	}
}

// encodePayload builds the protobuf-varint message: one
// {field_number=1, wire_type=varint, value=event_type} entry per currently
// in-flight event, sized exactly before allocation.
func (em *EventEmitter) encodePayload() ([]byte, error) {
	size := 0
	for _, e := range em.entries {
		if e.inFlight {
			size += 1 + varintSize(e.eventType)
		}
	}
	buf, err := em.cfg.bufferSource.Allocate(size)
	if err != nil {
		return nil, err
	}
	pos := 0
	for _, e := range em.entries {
		if e.inFlight {
			buf[pos] = 1 << 3 // field_number=1, wire_type=0 (varint)
			pos++
			pos += binary.PutUvarint(buf[pos:], uint64(e.eventType))
		}
	}
	return buf, nil
}

func varintSize(v uint32) int {
	var tmp [binary.MaxVarintLen64]byte
	return binary.PutUvarint(tmp[:], uint64(v))
}

func (em *EventEmitter) clearEmittedEvents() {
	for i := range em.entries {
		if em.entries[i].inFlight {
			em.entries[i] = eventEntry{}
		}
	}
}

// OnAck implements [ResponseListener]; the emitter has nothing to do here.
func (em *EventEmitter) OnAck() {}

// OnNext implements [ResponseListener], remembering the response code for
// OnComplete to act on.
func (em *EventEmitter) OnNext(msg *Message, block *BlockInfo) {
	em.lastResponseCode = msg.Code
}

// OnComplete implements [ResponseListener]: a 2.04 Changed clears every
// in-flight entry; a 4.xx clears them too but does not retry; anything else
// is retried after retry_delay.
func (em *EventEmitter) OnComplete() {
	em.requestHandleSet = false
	switch {
	case em.lastResponseCode == CodeChanged:
		em.clearEmittedEvents()
	case em.lastResponseCode.Class() == 4:
		logWarning(em.cfg.logger, "emitter request rejected, will not retry", func(b *LogBuilder) {
			b.Str("code", em.lastResponseCode.String())
		})
		em.clearEmittedEvents()
	default:
		logWarning(em.cfg.logger, "unexpected emitter response, will retry", func(b *LogBuilder) {
			b.Str("code", em.lastResponseCode.String())
		})
		em.armTimer(em.cfg.retryDelay)
		return
	}
	em.update()
}

// OnError implements [ResponseListener]: a timeout is retried immediately
// (the CoAP-level backoff already spent the wait); any other error waits
// retry_delay before trying again.
func (em *EventEmitter) OnError(code ErrorCode, message string) {
	em.requestHandleSet = false
	if code == ErrorCodeTimeout {
		logFine(em.cfg.logger, "emitter request timed out, retrying now", nil)
		em.update()
		return
	}
	logWarning(em.cfg.logger, "emitter request failed, will retry", func(b *LogBuilder) {
		b.Str("code", code.String())
		b.Str("message", message)
	})
	em.armTimer(em.cfg.retryDelay)
}
