package coap

import (
	"sort"
	"strings"
)

// OptionNumber identifies a CoAP option (RFC 7252 section 12.2, plus the
// RFC 7959 block options).
type OptionNumber uint16

const (
	OptionIfMatch       OptionNumber = 1
	OptionUriHost       OptionNumber = 3
	OptionETag          OptionNumber = 4
	OptionIfNoneMatch   OptionNumber = 5
	OptionUriPort       OptionNumber = 7
	OptionLocationPath  OptionNumber = 8
	OptionUriPath       OptionNumber = 11
	OptionContentFormat OptionNumber = 12
	OptionMaxAge        OptionNumber = 14
	OptionUriQuery      OptionNumber = 15
	OptionAccept        OptionNumber = 17
	OptionLocationQuery OptionNumber = 20
	OptionBlock2        OptionNumber = 23
	OptionBlock1        OptionNumber = 27
	OptionSize2         OptionNumber = 28
	OptionProxyUri      OptionNumber = 35
	OptionProxyScheme   OptionNumber = 39
	OptionSize1         OptionNumber = 60
)

// Option is a single option instance: a number plus its raw value bytes.
// Unsigned, string, and empty option values are all represented as raw
// bytes here; use [Option.Uint] / [Option.Str] to interpret them.
type Option struct {
	Number OptionNumber
	Value  []byte
}

// NewUintOption encodes v as an unsigned integer option value: big-endian,
// minimal length, with a zero value encoded as zero-length (RFC 7252
// section 3.2).
func NewUintOption(number OptionNumber, v uint32) Option {
	var buf [4]byte
	buf[0] = byte(v >> 24)
	buf[1] = byte(v >> 16)
	buf[2] = byte(v >> 8)
	buf[3] = byte(v)
	i := 0
	for i < 4 && buf[i] == 0 {
		i++
	}
	out := make([]byte, 4-i)
	copy(out, buf[i:])
	return Option{Number: number, Value: out}
}

// NewStringOption encodes s as a raw-byte (non-NUL-terminated) string
// option value.
func NewStringOption(number OptionNumber, s string) Option {
	return Option{Number: number, Value: []byte(s)}
}

// NewOpaqueOption wraps raw bytes as an opaque option value. The slice is
// retained, not copied; callers must not mutate it afterwards.
func NewOpaqueOption(number OptionNumber, b []byte) Option {
	return Option{Number: number, Value: b}
}

// NewEmptyOption constructs a presence-only option.
func NewEmptyOption(number OptionNumber) Option {
	return Option{Number: number}
}

// Uint decodes o's value as a big-endian unsigned integer.
func (o Option) Uint() uint32 {
	var v uint32
	for _, b := range o.Value {
		v = v<<8 | uint32(b)
	}
	return v
}

// Str decodes o's value as a raw string.
func (o Option) Str() string { return string(o.Value) }

// Options is an ordered option parameter list. The codec always emits
// options in ascending option-number order regardless of insertion order,
// so Options need not be pre-sorted by the caller.
type Options []Option

// Add appends opt in insertion order; ascending-number ordering is applied
// only when encoding or iterating (see [Options.Canonical]).
func (o *Options) Add(opt Option) { *o = append(*o, opt) }

// Canonical returns a copy of o sorted by ascending option number, stable
// with respect to the original relative order of options sharing a number
// (repeatable options, such as Uri-Path, must stay in their original
// sequence).
func (o Options) Canonical() Options {
	out := make(Options, len(o))
	copy(out, o)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// OptionFilter selects which options an [Options.Iterate] call visits.
type OptionFilter struct {
	// Number restricts iteration to a single option number. Any is used
	// when Specific is false.
	Number   OptionNumber
	Specific bool
}

// AnyOption matches every option.
func AnyOption() OptionFilter { return OptionFilter{} }

// SpecificOption matches only options with the given number.
func SpecificOption(number OptionNumber) OptionFilter {
	return OptionFilter{Number: number, Specific: true}
}

// Iterate calls fn for each option matching filter, in ascending
// option-number order, stopping early if fn returns false.
func (o Options) Iterate(filter OptionFilter, fn func(Option) bool) {
	for _, opt := range o.Canonical() {
		if filter.Specific && opt.Number != filter.Number {
			continue
		}
		if !fn(opt) {
			return
		}
	}
}

// Get returns the first option with the given number, if any.
func (o Options) Get(number OptionNumber) (Option, bool) {
	var (
		found Option
		ok    bool
	)
	o.Iterate(SpecificOption(number), func(opt Option) bool {
		found, ok = opt, true
		return false
	})
	return found, ok
}

// GetAll returns every option with the given number, in order.
func (o Options) GetAll(number OptionNumber) []Option {
	var out []Option
	o.Iterate(SpecificOption(number), func(opt Option) bool {
		out = append(out, opt)
		return true
	})
	return out
}

// SplitPath joins the Uri-Path option segments into a leading-slash path
// string, e.g. "/a/b/c", capped at maxSegments (see
// emitter.max_path_segments). A path with no Uri-Path options returns "/".
func (o Options) SplitPath(maxSegments int) string {
	segments := o.GetAll(OptionUriPath)
	if len(segments) > maxSegments {
		segments = segments[:maxSegments]
	}
	if len(segments) == 0 {
		return "/"
	}
	parts := make([]string, len(segments))
	for i, s := range segments {
		parts[i] = s.Str()
	}
	return "/" + strings.Join(parts, "/")
}

// SplitQuery joins the Uri-Query option segments into "k=v" pairs.
func (o Options) SplitQuery() []string {
	segments := o.GetAll(OptionUriQuery)
	out := make([]string, len(segments))
	for i, s := range segments {
		out[i] = s.Str()
	}
	return out
}

// PathOptions builds the Uri-Path options for the leading-slash path p,
// splitting on "/" and skipping empty segments (so both "/a/b" and "a/b"
// produce the same two options).
func PathOptions(p string) []Option {
	segments := strings.Split(p, "/")
	out := make([]Option, 0, len(segments))
	for _, s := range segments {
		if s == "" {
			continue
		}
		out = append(out, NewStringOption(OptionUriPath, s))
	}
	return out
}
