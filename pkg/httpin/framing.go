package httpin

// framingState is the octet-counting/octet-stuffing state machine's
// current position.
type framingState int

const (
	atFrameStart framingState = iota
	inOctetCount
	inMsg
)

// msgFraming distinguishes the two ways InMsg can terminate a frame.
type msgFraming int

const (
	framingOctetCounting msgFraming = iota
	framingOctetStuffing
)

// frameDecoder holds the per-connection framing state across calls to
// processData; one is created per accepted request.
type frameDecoder struct {
	cfg *ListenerConfig

	buf    []byte
	bufLen int

	state        framingState
	msgFraming   msgFraming
	octetsRemain int

	submit func(body []byte)
	warn   func(format string, args ...any)
}

func newFrameDecoder(cfg *ListenerConfig, submit func([]byte), warn func(string, ...any)) *frameDecoder {
	size := cfg.MaxReadBufferSize
	if size < maxLineLength {
		size = maxLineLength
	}
	return &frameDecoder{
		cfg:    cfg,
		buf:    make([]byte, size),
		submit: submit,
		warn:   warn,
	}
}

func (d *frameDecoder) reset() {
	d.bufLen = 0
	d.state = atFrameStart
}

func (d *frameDecoder) flushBuffered() {
	if d.bufLen == 0 {
		return
	}
	d.submitBuffer()
}

func (d *frameDecoder) submitBuffer() {
	body := make([]byte, d.bufLen)
	copy(body, d.buf[:d.bufLen])
	d.submit(body)
	d.bufLen = 0
}

func (d *frameDecoder) appendByte(b byte) {
	if d.bufLen >= len(d.buf) {
		d.bufLen = len(d.buf) - 1
	}
	d.buf[d.bufLen] = b
	d.bufLen++
}

// processData dispatches chunk under the listener's selected framing
// discipline.
func (d *frameDecoder) processData(chunk []byte) {
	switch {
	case d.cfg.DisableLFDelim:
		d.processBlockGranular(chunk)
	case d.cfg.SupportOctetFraming:
		d.processOctetCapable(chunk)
	default:
		d.processLFFramed(chunk)
	}
}

// processBlockGranular copies bytes into the message buffer until it
// is exhausted; on every call (i.e. every read), whatever is buffered
// is submitted as one message.
func (d *frameDecoder) processBlockGranular(chunk []byte) {
	for _, b := range chunk {
		if d.bufLen >= len(d.buf) {
			d.submitBuffer()
		}
		d.appendByte(b)
	}
	d.submitBuffer()
}

// processLFFramed accepts bytes until \n (submit) or buffer full
// (submit and reset, remaining in the same logical frame).
func (d *frameDecoder) processLFFramed(chunk []byte) {
	for _, b := range chunk {
		if b == '\n' {
			d.submitBuffer()
			continue
		}
		d.appendByte(b)
		if d.bufLen >= len(d.buf) {
			d.submitBuffer()
		}
	}
}

// processOctetCapable runs the AtFrameStart/InOctetCount/InMsg state
// machine.
func (d *frameDecoder) processOctetCapable(chunk []byte) {
	for i := 0; i < len(chunk); i++ {
		b := chunk[i]
		switch d.state {
		case atFrameStart:
			if b >= '0' && b <= '9' {
				d.state = inOctetCount
				d.octetsRemain = 0
				d.msgFraming = framingOctetCounting
				d.bufLen = 0
				i-- // reprocess this digit in InOctetCount
				continue
			}
			d.state = inMsg
			d.msgFraming = framingOctetStuffing
			d.bufLen = 0
			i-- // reprocess this byte in InMsg
			continue

		case inOctetCount:
			if b >= '0' && b <= '9' {
				d.octetsRemain = d.octetsRemain*10 + int(b-'0')
				if d.octetsRemain > maxOctetCount {
					d.warn("httpin: octet count exceeds overflow guard %d", maxOctetCount)
				}
				d.appendByte(b)
				continue
			}
			if b != ' ' {
				d.warn("httpin: expected space after octet count, got %q", b)
			}
			if d.octetsRemain == 0 {
				d.warn("httpin: octet count 0 is invalid")
			} else if d.octetsRemain > maxLineLength {
				d.warn("httpin: octet count %d exceeds max line length, message will be truncated", d.octetsRemain)
			}
			d.bufLen = 0
			d.state = inMsg

		case inMsg:
			switch d.msgFraming {
			case framingOctetCounting:
				if d.octetsRemain > 0 {
					if d.bufLen < maxLineLength {
						d.appendByte(b)
					}
					d.octetsRemain--
				}
				if d.octetsRemain == 0 {
					d.submitBuffer()
					d.state = atFrameStart
				}
			case framingOctetStuffing:
				if b == '\n' {
					d.submitBuffer()
					d.state = atFrameStart
					continue
				}
				d.appendByte(b)
				if d.bufLen >= len(d.buf) {
					d.submitBuffer()
					d.bufLen = 0
				}
			}
		}
	}
}
