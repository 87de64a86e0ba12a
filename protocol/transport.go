package protocol

import "sync/atomic"

const (
	MessageHeaderSize  = 2
	MessageTrailerSize = 3
	MessageLengthMin   = MessageHeaderSize + MessageTrailerSize
	MessageLengthMax   = 64
	MessagePositionLen = 0
	MessagePositionSeq = 1
	MessageTrailerCRC  = 3
	MessageTrailerSync = 1
	MessageValueSync   = 0x7E
	MessageDest        = 0x10
)

// CommandHandler is a function type for handling decoded commands
type CommandHandler func(cmdID uint16, data *[]byte) error

// Transport is the MCU side of the link: it validates incoming blocks,
// dispatches their commands in order and answers every block with an
// ACK/NAK carrying the next expected sequence.
type Transport struct {
	scanner blockScanner

	// next expected sequence from the host (0x10-0x1F); responses carry it too
	nextSequence uint32

	// handler errors, for diagnostics
	handlerErrors uint32

	output        OutputBuffer
	handler       CommandHandler
	resetCallback func() // host restarted its sequence
	flushCallback func() // push the ACK out immediately
}

// NewTransport creates a new Transport instance
func NewTransport(output OutputBuffer, handler CommandHandler) *Transport {
	return &Transport{
		scanner:      blockScanner{checkDest: true},
		nextSequence: MessageDest,
		output:       output,
		handler:      handler,
	}
}

// Receive consumes every complete block in input. Partial blocks are left
// in the buffer for the next call.
func (t *Transport) Receive(input InputBuffer) {
	data := input.Data()
	for {
		ev, block, rest := t.scanner.scan(data)
		data = rest
		if ev == scanNeedMore {
			break
		}
		if ev == scanBlock {
			t.receiveBlock(block)
		}
		// blocks and resyncs are both answered, a stale sequence makes it a NAK
		t.encodeAckNak()
	}

	consumed := input.Available() - len(data)
	if consumed > 0 {
		input.Pop(consumed)
	}
}

func (t *Transport) receiveBlock(block []byte) {
	seq := blockSeq(block)
	expected := uint8(atomic.LoadUint32(&t.nextSequence))
	if seq == MessageDest && expected != MessageDest {
		// host restarted
		atomic.StoreUint32(&t.nextSequence, MessageDest)
		expected = MessageDest
		if t.resetCallback != nil {
			t.resetCallback()
		}
	}
	if seq != expected {
		// duplicate or out of order, the ACK below doubles as a NAK
		return
	}
	atomic.StoreUint32(&t.nextSequence, uint32(NextSequence(seq)))
	if err := t.parseFrame(blockPayload(block)); err != nil {
		atomic.AddUint32(&t.handlerErrors, 1)
	}
}

// parseFrame dispatches every command in a block payload.
func (t *Transport) parseFrame(frame []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			// a handler panicked; drop framing so the host resends cleanly
			t.scanner.unsynced = true
			err = errHandlerPanic
		}
	}()

	for len(frame) > 0 {
		cmdID, err := DecodeVLQUint(&frame)
		if err != nil {
			t.scanner.unsynced = true
			return err
		}
		if t.handler != nil {
			if err := t.handler(uint16(cmdID), &frame); err != nil {
				// argument data is unknown past a failed command
				return err
			}
		}
	}
	return nil
}

// encodeAckNak sends an empty block carrying the next expected sequence.
func (t *Transport) encodeAckNak() {
	ns := uint8(atomic.LoadUint32(&t.nextSequence))
	var buf [MessageLengthMin]byte
	ack, _ := AppendBlock(buf[:0], ns, nil)
	t.output.Output(ack)
	if t.flushCallback != nil {
		t.flushCallback()
	}
}

// EncodeFrame writes one message block whose payload is produced by
// frameData. Responses use the current sequence; it is not advanced.
func (t *Transport) EncodeFrame(frameData func(output OutputBuffer)) {
	cursor := t.output.CurPosition()
	seq := uint8(atomic.LoadUint32(&t.nextSequence))
	t.output.Output([]byte{0, seq})

	frameData(t.output)

	changed := len(t.output.DataSince(cursor))
	t.output.Update(cursor, uint8(changed+MessageTrailerSize))

	crc := CRC16(t.output.DataSince(cursor))
	t.output.Output([]byte{uint8(crc >> 8), uint8(crc), MessageValueSync})
}

// SendCommand sends a command with arguments
func (t *Transport) SendCommand(cmdID uint16, args func(output OutputBuffer)) {
	t.EncodeFrame(func(output OutputBuffer) {
		EncodeVLQUint(output, uint32(cmdID))
		if args != nil {
			args(output)
		}
	})
}

// Reset resets the transport state (useful after USB disconnect/reconnect)
func (t *Transport) Reset() {
	t.scanner.unsynced = false
	atomic.StoreUint32(&t.nextSequence, MessageDest)
	if t.resetCallback != nil {
		t.resetCallback()
	}
}

// SetResetCallback sets a callback to be called when host reset is detected
func (t *Transport) SetResetCallback(callback func()) {
	t.resetCallback = callback
}

// SetFlushCallback sets a callback that pushes ACKs out without waiting
// for the main loop.
func (t *Transport) SetFlushCallback(callback func()) {
	t.flushCallback = callback
}

// Dropped returns the number of framing errors seen.
func (t *Transport) Dropped() uint32 { return t.scanner.Dropped }

// HandlerErrors returns the number of blocks whose commands failed.
func (t *Transport) HandlerErrors() uint32 { return atomic.LoadUint32(&t.handlerErrors) }

// ExpectedSequence returns the sequence expected from the host.
func (t *Transport) ExpectedSequence() uint8 { return uint8(atomic.LoadUint32(&t.nextSequence)) }
