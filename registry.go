package coap

import (
	"time"

	catrate "github.com/joeycumines/go-catrate"
)

// registryEntry is one resource registration: a static path, the methods it
// accepts, its handler, and the per-handler BLOCK1 reassembly state and
// optional rate limiter the registry's dispatch loop consults before
// invoking it.
type registryEntry struct {
	path    string
	flags   HandlerFlags
	handler ResourceHandler
	limiter *catrate.Limiter
	block1  block1State
}

// Registry is the exact-path resource table a server-side [Endpoint]
// dispatches incoming requests through. All of its state is mutated
// exclusively on the owning endpoint's loop thread, same as [pendingTable].
type Registry struct {
	entries []*registryEntry
}

// NewRegistry constructs an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{}
}

// RegistryOption configures a single registration made via
// [Endpoint.RegisterRequestHandler].
type RegistryOption interface{ applyRegistration(*registryEntry) }

type registryOptionFunc func(*registryEntry)

func (f registryOptionFunc) applyRegistration(e *registryEntry) { f(e) }

// WithRateLimiter attaches a sliding-window rate limiter to one
// registration: once its configured rates are exceeded, dispatch responds
// 4.29 Too Many Requests without invoking the handler at all. Omitting this
// option preserves unconditional dispatch.
func WithRateLimiter(rates map[time.Duration]int) RegistryOption {
	return registryOptionFunc(func(e *registryEntry) {
		e.limiter = catrate.NewLimiter(rates)
	})
}

// register adds a new entry for path, failing only on a nil handler; a path
// may carry more than one entry (overlapping method sets across separate
// registrations), resolved at lookup time. The FilterGroup in flags is
// recorded but not consulted by lookup.
func (r *Registry) register(path string, flags HandlerFlags, handler ResourceHandler, opts ...RegistryOption) error {
	if handler == nil {
		return ErrInvalidParameters
	}
	entry := &registryEntry{path: path, flags: flags, handler: handler}
	for _, opt := range opts {
		if opt != nil {
			opt.applyRegistration(entry)
		}
	}
	r.entries = append(r.entries, entry)
	return nil
}

// unregister removes every entry for handler at path, or every entry for
// handler at any path if path is "".
func (r *Registry) unregister(path string, handler ResourceHandler) error {
	out := r.entries[:0]
	for _, e := range r.entries {
		if e.handler == handler && (path == "" || e.path == path) {
			continue
		}
		out = append(out, e)
	}
	r.entries = out
	return nil
}

// lookup resolves path and method to the entry that should handle it.
// methodNotAllowed distinguishes "the path exists, but not for this method"
// (4.05) from "nothing is registered at this path at all" (4.04), so
// [Endpoint.dispatchRequest] can choose the correct fallback response.
func (r *Registry) lookup(path string, method Code) (entry *registryEntry, methodNotAllowed bool) {
	var pathMatch bool
	for _, e := range r.entries {
		if e.path != path {
			continue
		}
		pathMatch = true
		if e.flags.Methods.Allows(method) {
			return e, false
		}
	}
	return nil, pathMatch
}

// dispatch runs entry's rate limit check, then either the BLOCK1 reassembly
// helper (PUT/POST carrying a BLOCK1 option) or the handler directly,
// finally routing a GET response with AutogenerateBlockwise through the
// BLOCK2 helper.
func (r *Registry) dispatch(e *Endpoint, entry *registryEntry, msg *Message, meta TransportMetadata) {
	if entry.limiter != nil {
		if _, ok := entry.limiter.Allow(entry.path); !ok {
			e.sendEmptyResponse(msg, CodeTooManyRequests, nil)
			return
		}
	}

	if block1, ok := msg.Options.Get(OptionBlock1); ok && (msg.Code == CodePUT || msg.Code == CodePOST) {
		r.dispatchBlock1(e, entry, msg, meta, block1)
		return
	}

	code, resp, err := entry.handler.OnRequest(e, msg, meta)
	if err != nil {
		e.sendEmptyResponse(msg, CodeInternalServerError, nil)
		return
	}
	if resp == nil {
		e.sendEmptyResponse(msg, code, nil)
		return
	}
	if resp.AutogenerateBlockwise && msg.Code == CodeGET {
		r.dispatchBlock2(e, entry, msg, code, resp)
		return
	}
	e.sendResponse(msg, code, contentFormatOptions(resp), resp.Payload)
}

// contentFormatOptions builds the Content-Format option for a handler's
// response, if it set one.
func contentFormatOptions(resp *Response) Options {
	if resp == nil || !resp.HasContentFormat {
		return nil
	}
	return Options{NewUintOption(OptionContentFormat, resp.ContentFormat)}
}
