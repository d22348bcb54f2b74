package coap

// Encode serializes m to a contiguous buffer in wire format (RFC 7252
// section 3). Options are emitted in canonical (ascending number) order
// using 4-bit delta/4-bit length nibbles, with the 13/14 extended-encoding
// escape values for deltas and lengths that don't fit in a nibble.
func Encode(m *Message) ([]byte, error) {
	if len(m.Token) > 8 {
		return nil, WrapError("encode message", ErrInvalidParameters)
	}

	buf := make([]byte, 0, 32+len(m.Payload))
	buf = append(buf, (m.Version&0x3)<<6|uint8(m.Type)<<4|uint8(len(m.Token)))
	buf = append(buf, byte(m.Code))
	buf = append(buf, byte(m.MessageID>>8), byte(m.MessageID))
	buf = append(buf, m.Token...)

	var lastNumber OptionNumber
	for _, opt := range m.Options.Canonical() {
		delta := int(opt.Number) - int(lastNumber)
		if delta < 0 {
			return nil, WrapError("encode message", ErrInternal)
		}
		lastNumber = opt.Number

		deltaNibble, deltaExt := splitOptionField(delta)
		lengthNibble, lengthExt := splitOptionField(len(opt.Value))

		buf = append(buf, byte(deltaNibble<<4|lengthNibble))
		buf = append(buf, deltaExt...)
		buf = append(buf, lengthExt...)
		buf = append(buf, opt.Value...)
	}

	if len(m.Payload) > 0 {
		buf = append(buf, 0xff)
		buf = append(buf, m.Payload...)
	}

	return buf, nil
}

// splitOptionField encodes a single option delta or length field: the
// 4-bit nibble plus any RFC 7252 section 3.1 extended bytes.
func splitOptionField(v int) (nibble int, ext []byte) {
	switch {
	case v < 13:
		return v, nil
	case v < 269:
		return 13, []byte{byte(v - 13)}
	default:
		v -= 269
		return 14, []byte{byte(v >> 8), byte(v)}
	}
}

// Decode parses buf into a Message. The returned Message's Token, Options,
// and Payload slices alias buf; callers must not retain them beyond the
// lifetime of the buffer that produced them (mirroring the "decode returns
// a view over the transport buffer" contract).
func Decode(buf []byte) (*Message, error) {
	if len(buf) < 4 {
		return nil, WrapError("decode message", ErrInvalidFormat)
	}

	version := buf[0] >> 6 & 0x3
	if version != 1 {
		return nil, WrapError("decode message", ErrInvalidFormat)
	}
	typ := Type(buf[0] >> 4 & 0x3)
	tokenLen := int(buf[0] & 0xf)
	if tokenLen > 8 {
		return nil, WrapError("decode message", ErrInvalidFormat)
	}
	code := Code(buf[1])
	messageID := uint16(buf[2])<<8 | uint16(buf[3])

	pos := 4
	if pos+tokenLen > len(buf) {
		return nil, WrapError("decode message", ErrInvalidFormat)
	}
	token := buf[pos : pos+tokenLen]
	pos += tokenLen

	var options Options
	var lastNumber OptionNumber
	var sawMarker bool
	for pos < len(buf) {
		if buf[pos] == 0xff {
			pos++
			sawMarker = true
			break
		}

		deltaNibble := int(buf[pos] >> 4 & 0xf)
		lengthNibble := int(buf[pos] & 0xf)
		pos++

		delta, newPos, err := readOptionField(buf, pos, deltaNibble)
		if err != nil {
			return nil, err
		}
		pos = newPos

		length, newPos, err := readOptionField(buf, pos, lengthNibble)
		if err != nil {
			return nil, err
		}
		pos = newPos

		if pos+length > len(buf) {
			return nil, WrapError("decode message", ErrInvalidFormat)
		}
		number := lastNumber + OptionNumber(delta)
		options.Add(Option{Number: number, Value: buf[pos : pos+length]})
		lastNumber = number
		pos += length
	}

	var payload []byte
	if pos < len(buf) {
		payload = buf[pos:]
	} else if sawMarker {
		// the payload marker MUST NOT be followed by a zero-length payload
		return nil, WrapError("decode message", ErrInvalidFormat)
	}

	return &Message{
		Version:   version,
		Type:      typ,
		Code:      code,
		MessageID: messageID,
		Token:     token,
		Options:   options,
		Payload:   payload,
	}, nil
}

// readOptionField decodes a single delta or length nibble, consuming any
// RFC 7252 section 3.1 extended bytes, returning the decoded value and the
// new read position.
func readOptionField(buf []byte, pos, nibble int) (value, newPos int, err error) {
	switch nibble {
	case 13:
		if pos >= len(buf) {
			return 0, 0, WrapError("decode message", ErrInvalidFormat)
		}
		return int(buf[pos]) + 13, pos + 1, nil
	case 14:
		if pos+1 >= len(buf) {
			return 0, 0, WrapError("decode message", ErrInvalidFormat)
		}
		return (int(buf[pos])<<8 | int(buf[pos+1])) + 269, pos + 2, nil
	case 15:
		return 0, 0, WrapError("decode message", ErrInvalidFormat)
	default:
		return nibble, pos, nil
	}
}
