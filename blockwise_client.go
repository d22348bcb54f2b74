package coap

// SendBlockwiseRequest issues a request whose payload is pulled from source
// one block at a time, driving BLOCK1 upload until the last fragment is
// acknowledged, then - if the eventual response itself carries BLOCK2 -
// continuing as a blockwise download. listener observes the whole transfer
// exactly as it would a plain [Endpoint.SendRequest].
func (e *Endpoint) SendBlockwiseRequest(method Code, opts []Option, source BlockSource, preferredSZX SZX, params ClientParameters, listener ResponseListener) (RequestHandle, error) {
	v, err := e.loop.InvokeSync(func() (any, error) {
		return e.sendBlockwiseRequestOnLoop(method, opts, source, preferredSZX, params, listener)
	})
	if err != nil {
		return 0, err
	}
	return v.(RequestHandle), nil
}

func (e *Endpoint) sendBlockwiseRequestOnLoop(method Code, opts []Option, source BlockSource, preferredSZX SZX, params ClientParameters, listener ResponseListener) (RequestHandle, error) {
	if listener == nil || source == nil {
		return 0, ErrInvalidParameters
	}
	maxResendCount, ackTimeout := e.cfg.resolveClientParameters(params)

	entry := e.pending.allocate()
	entry.method = method
	entry.options = append(Options(nil), opts...)
	entry.token = e.pending.allocateToken()
	entry.listener = listener
	entry.maxResendCount = maxResendCount
	entry.ackTimeout = ackTimeout
	entry.source = source
	entry.uploadSZX = preferredSZX
	entry.uploadOffset = 0

	e.pending.registerToken(entry)

	if err := e.sendNextUploadBlock(entry); err != nil {
		e.pending.destroy(entry)
		return 0, err
	}
	return entry.handle, nil
}

// sendNextUploadBlock queries entry.source for the block at entry.uploadOffset
// and writes it as a fresh CON carrying BLOCK1, arming the usual
// retransmission timer. A BLOCK1 option is only attached once the transfer
// is known to span more than one block: a source whose whole payload fits
// the first queried block is sent as an ordinary request.
func (e *Endpoint) sendNextUploadBlock(entry *pendingEntry) error {
	size := int(entry.uploadSZX.Size())
	bs, err := entry.source.GetDataSize(entry.uploadOffset, size)
	if err != nil {
		return err
	}
	if !bs.InRange {
		return ErrOutOfRange
	}
	buf := make([]byte, bs.Size)
	if err := entry.source.GetData(entry.uploadOffset, bs.Size, buf); err != nil {
		return err
	}

	num := entry.uploadOffset / uint32(entry.uploadSZX.Size())
	opts := append(Options(nil), entry.options...)
	if bs.More || num > 0 {
		blockOpt, err := BlockOption(OptionBlock1, num, bs.More, entry.uploadSZX)
		if err != nil {
			return err
		}
		opts.Add(blockOpt)
	}

	e.pending.reindexMessageID(entry, e.pending.allocateMessageID())
	msg := &Message{
		Version:   1,
		Type:      TypeCON,
		Code:      entry.method,
		MessageID: entry.messageID,
		Token:     entry.token,
		Options:   opts,
		Payload:   buf,
	}
	raw, err := Encode(msg)
	if err != nil {
		return err
	}
	entry.message = raw

	if _, err := e.writeRaw(raw); err != nil {
		return err
	}

	entry.lastUploadLen = bs.Size
	entry.uploadFinal = !bs.More
	entry.attempt = 0
	entry.state = pendingAwaitingAck
	e.armRetransmit(entry, e.loop.Now())
	return nil
}

// onUploadAck processes the ACK for a non-final BLOCK1 fragment: it applies
// any server-requested SZX reduction, advances the upload offset, and sends
// the next fragment. Called only while entry.uploadFinal is false.
func (e *Endpoint) onUploadAck(entry *pendingEntry, msg *Message) {
	if opt, ok := msg.Options.Get(OptionBlock1); ok {
		if _, _, szx, err := DecodeBlockOption(opt.Value); err == nil && szx < entry.uploadSZX {
			entry.uploadSZX = szx
		}
	}
	if msg.Code.Class() >= 4 {
		e.failEntry(entry, errorCodeForResponse(msg.Code), "blockwise upload rejected")
		return
	}
	entry.uploadOffset += uint32(entry.lastUploadLen)
	if err := e.sendNextUploadBlock(entry); err != nil {
		e.failEntry(entry, errorCodeFor(err), "blockwise upload failed")
	}
}

// onBlockwiseDownloadBlock processes a response carrying BLOCK2: it delivers
// the fragment, then either completes the transfer or requests the next
// block. The first delivered block must be num==0; anything else indicates
// the server began the download mid-stream, which this client has no way
// to resume into.
func (e *Endpoint) onBlockwiseDownloadBlock(entry *pendingEntry, msg *Message, block2 Option) {
	num, more, szx, err := DecodeBlockOption(block2.Value)
	if err != nil {
		e.failEntry(entry, ErrorCodeInvalidFormat, "malformed BLOCK2 option")
		return
	}
	if !entry.downloading {
		if num != 0 {
			e.failEntry(entry, ErrorCodeInternal, "blockwise download did not start at block 0")
			return
		}
		entry.downloading = true
	}

	info := BlockInfo{Num: num, More: more, SZX: szx}
	e.invokeCallback(entry, func() { entry.listener.OnNext(msg, &info) })

	if !more {
		e.invokeCallback(entry, func() { entry.listener.OnComplete() })
		e.pending.destroy(entry)
		return
	}

	entry.downloadNum = num + 1
	if err := e.sendNextDownloadRequest(entry, szx); err != nil {
		e.failEntry(entry, errorCodeFor(err), "blockwise download failed")
	}
}

// sendNextDownloadRequest requests the next BLOCK2 fragment, reusing
// entry's original method/options/token but a fresh message-id.
func (e *Endpoint) sendNextDownloadRequest(entry *pendingEntry, szx SZX) error {
	opts := append(Options(nil), entry.options...)
	blockOpt, err := BlockOption(OptionBlock2, entry.downloadNum, false, szx)
	if err != nil {
		return err
	}
	opts.Add(blockOpt)

	e.pending.reindexMessageID(entry, e.pending.allocateMessageID())
	msg := &Message{
		Version:   1,
		Type:      TypeCON,
		Code:      entry.method,
		MessageID: entry.messageID,
		Token:     entry.token,
		Options:   opts,
	}
	raw, err := Encode(msg)
	if err != nil {
		return err
	}
	entry.message = raw

	if _, err := e.writeRaw(raw); err != nil {
		return err
	}

	entry.attempt = 0
	entry.state = pendingAwaitingResponse
	e.armRetransmit(entry, e.loop.Now())
	return nil
}

// errorCodeForResponse maps a 4.xx/5.xx response code rejecting a BLOCK1
// upload fragment onto an [ErrorCode].
func errorCodeForResponse(code Code) ErrorCode {
	switch code {
	case CodeRequestEntityIncomplete:
		return ErrorCodeInvalidState
	case CodeTooManyRequests:
		return ErrorCodeOutOfResources
	default:
		return ErrorCodeInternal
	}
}
