package coap

import "time"

// Default transmission and emitter parameters, matching the conventional
// CoAP defaults used in schmurfy/go-coap's server options.
const (
	DefaultAckTimeout      = 2000 * time.Millisecond
	DefaultMaxResendCount  = 4
	DefaultRetryDelay      = 30000 * time.Millisecond
	DefaultMinRequestAge   = 5000 * time.Millisecond
	DefaultMaxPathSegments = 4
)

// endpointConfig holds an [Endpoint]'s resolved configuration.
type endpointConfig struct {
	ackTimeout     time.Duration
	maxResendCount int
	defaultSZX     SZX
	logger         *Logger
}

// EndpointOption configures an [Endpoint] at construction.
type EndpointOption interface{ applyEndpoint(*endpointConfig) }

type endpointOptionFunc func(*endpointConfig)

func (f endpointOptionFunc) applyEndpoint(c *endpointConfig) { f(c) }

// WithAckTimeout overrides the default initial CON retransmission timeout.
func WithAckTimeout(d time.Duration) EndpointOption {
	return endpointOptionFunc(func(c *endpointConfig) { c.ackTimeout = d })
}

// WithMaxResendCount overrides the default CON retransmission attempt count.
func WithMaxResendCount(n int) EndpointOption {
	return endpointOptionFunc(func(c *endpointConfig) { c.maxResendCount = n })
}

// WithDefaultSZX overrides the default blockwise block-size exponent.
func WithDefaultSZX(szx SZX) EndpointOption {
	return endpointOptionFunc(func(c *endpointConfig) { c.defaultSZX = szx })
}

// WithEndpointLogger attaches a structured logger to the endpoint.
func WithEndpointLogger(logger *Logger) EndpointOption {
	return endpointOptionFunc(func(c *endpointConfig) { c.logger = logger })
}

func resolveEndpointOptions(opts []EndpointOption) *endpointConfig {
	cfg := &endpointConfig{
		ackTimeout:     DefaultAckTimeout,
		maxResendCount: DefaultMaxResendCount,
		defaultSZX:     DefaultSZX,
		logger:         disabledLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyEndpoint(cfg)
		}
	}
	return cfg
}

// resolveClientParameters applies a per-request [ClientParameters]
// override atop the endpoint's configured defaults: a non-positive field
// means "use default".
func (c *endpointConfig) resolveClientParameters(p ClientParameters) (maxResendCount int, ackTimeout time.Duration) {
	maxResendCount = c.maxResendCount
	if p.MaxResendCount > 0 {
		maxResendCount = p.MaxResendCount
	}
	ackTimeout = c.ackTimeout
	if p.AckTimeout > 0 {
		ackTimeout = p.AckTimeout
	}
	return maxResendCount, ackTimeout
}

// emitterConfig holds an [EventEmitter]'s resolved configuration.
type emitterConfig struct {
	retryDelay      time.Duration
	minRequestAge   time.Duration
	maxPathSegments int
	logger          *Logger
	bufferSource    BufferSource
}

// EmitterOption configures an [EventEmitter] at construction.
type EmitterOption interface{ applyEmitter(*emitterConfig) }

type emitterOptionFunc func(*emitterConfig)

func (f emitterOptionFunc) applyEmitter(c *emitterConfig) { f(c) }

// WithRetryDelay overrides the default delay before retrying after a
// non-2.04, non-timeout emission failure.
func WithRetryDelay(d time.Duration) EmitterOption {
	return emitterOptionFunc(func(c *emitterConfig) { c.retryDelay = d })
}

// WithMinRequestAge overrides the floor age under which an in-flight
// emission cannot be pre-empted by a new SetEvent.
func WithMinRequestAge(d time.Duration) EmitterOption {
	return emitterOptionFunc(func(c *emitterConfig) { c.minRequestAge = d })
}

// WithMaxPathSegments overrides the CoAP path split limit used when
// resolving the emitter's target resource path.
func WithMaxPathSegments(n int) EmitterOption {
	return emitterOptionFunc(func(c *emitterConfig) { c.maxPathSegments = n })
}

// WithEmitterLogger attaches a structured logger to the emitter.
func WithEmitterLogger(logger *Logger) EmitterOption {
	return emitterOptionFunc(func(c *emitterConfig) { c.logger = logger })
}

// WithBufferSource overrides the [BufferSource] used to materialize the
// emitter's encoded payload; the default simply allocates a fresh slice.
func WithBufferSource(source BufferSource) EmitterOption {
	return emitterOptionFunc(func(c *emitterConfig) { c.bufferSource = source })
}

func resolveEmitterOptions(opts []EmitterOption) *emitterConfig {
	cfg := &emitterConfig{
		retryDelay:      DefaultRetryDelay,
		minRequestAge:   DefaultMinRequestAge,
		maxPathSegments: DefaultMaxPathSegments,
		logger:          disabledLogger(),
		bufferSource:    sliceBufferSource{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyEmitter(cfg)
		}
	}
	return cfg
}
