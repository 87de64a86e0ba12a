package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// ResponseHandler is a function type for handling received responses from MCU
type ResponseHandler func(cmdID uint16, data *[]byte) error

var (
	ErrTransportClosed = errors.New("transport closed")
	ErrNoAck           = errors.New("no acknowledgement")
)

const (
	DefaultAckTimeout   = 500 * time.Millisecond
	DefaultRetransmits  = 3
	hostReadBufferSize  = 256
	hostInputBufferSize = 1024
	readErrorBackoff    = 10 * time.Millisecond
)

// Message is one response block received from the MCU.
type Message struct {
	Sequence uint8
	Payload  []byte // frame data without header/trailer
	ID       uint16 // response ID decoded from the payload
	Args     []byte // payload after the ID
}

// HostTransport is the host side of the link. Commands are sent one block
// at a time and retransmitted until the MCU acknowledges them; responses
// are delivered to waiters registered by ID and to the optional handler.
type HostTransport struct {
	port io.ReadWriteCloser

	// AckTimeout bounds the wait for each transmission.
	AckTimeout time.Duration
	// Retransmits is the number of extra attempts per command.
	Retransmits int

	sendMu sync.Mutex // one outstanding block at a time
	seq    uint8      // guarded by sendMu

	scanner blockScanner // readLoop only
	input   *FifoBuffer  // readLoop only
	acks    chan uint8

	mu      sync.Mutex
	waiters map[uint16][]chan *Message
	handler ResponseHandler
	readErr error

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewHostTransport creates a new host-side transport and starts reading.
func NewHostTransport(port io.ReadWriteCloser) *HostTransport {
	t := &HostTransport{
		port:        port,
		AckTimeout:  DefaultAckTimeout,
		Retransmits: DefaultRetransmits,
		seq:         MessageDest,
		input:       NewFifoBuffer(hostInputBufferSize),
		acks:        make(chan uint8, 8),
		waiters:     make(map[uint16][]chan *Message),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// SetResponseHandler sets a callback for responses nobody waits for.
func (t *HostTransport) SetResponseHandler(handler ResponseHandler) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

// Send transmits one command and waits for the MCU to acknowledge it.
func (t *HostTransport) Send(ctx context.Context, cmdID uint16, args func(output OutputBuffer)) error {
	scratch := NewScratchOutput()
	EncodeVLQUint(scratch, uint32(cmdID))
	if args != nil {
		args(scratch)
	}
	return t.SendPayload(ctx, scratch.Result())
}

// SendCommand is Send with the default timeouts.
func (t *HostTransport) SendCommand(cmdID uint16, args func(output OutputBuffer)) error {
	return t.Send(context.Background(), cmdID, args)
}

// SendPayload transmits an encoded command payload. The MCU acknowledges a
// block by answering with the sequence after it; an answer with the same
// sequence is a NAK and triggers a retransmission.
func (t *HostTransport) SendPayload(ctx context.Context, payload []byte) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	block, err := AppendBlock(make([]byte, 0, MessageLengthMax), t.seq, payload)
	if err != nil {
		return fmt.Errorf("command of %d bytes: %w", len(payload), err)
	}
	want := NextSequence(t.seq)

	// stale ACKs from earlier retransmissions
	for len(t.acks) > 0 {
		<-t.acks
	}

	for attempt := 0; attempt <= t.Retransmits; attempt++ {
		if err := t.write(ctx, block); err != nil {
			return fmt.Errorf("write: %w", err)
		}
		acked, err := t.waitAck(ctx, want)
		if err != nil {
			return err
		}
		if acked {
			t.seq = want
			return nil
		}
	}
	return fmt.Errorf("sequence 0x%02x: %w after %d attempts", t.seq, ErrNoAck, t.Retransmits+1)
}

// writeDeadliner is implemented by net.Conn based ports.
type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// write sends block to the port. On ports with write deadlines a done ctx
// unblocks a stalled write; the deadline is cleared again afterwards.
func (t *HostTransport) write(ctx context.Context, block []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	wd, ok := t.port.(writeDeadliner)
	if !ok {
		_, err := t.port.Write(block)
		return err
	}
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = wd.SetWriteDeadline(time.Unix(1, 0))
		close(fired)
	})
	_, err := t.port.Write(block)
	if !stop() {
		<-fired
		_ = wd.SetWriteDeadline(time.Time{})
	}
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// waitAck returns true once want is acknowledged, false on NAK or timeout.
func (t *HostTransport) waitAck(ctx context.Context, want uint8) (bool, error) {
	timer := time.NewTimer(t.AckTimeout)
	defer timer.Stop()
	for {
		select {
		case seq := <-t.acks:
			if seq == want {
				return true, nil
			}
			if seq == t.seq {
				return false, nil
			}
			// an ACK for some older block, keep waiting
		case <-timer.C:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		case <-t.done:
			return false, t.closedErr()
		}
	}
}

// Expect registers interest in the next response with id. Register before
// sending the command that triggers it; the MCU may answer before its ACK.
func (t *HostTransport) Expect(id uint16) <-chan *Message {
	ch := make(chan *Message, 1)
	t.mu.Lock()
	t.waiters[id] = append(t.waiters[id], ch)
	t.mu.Unlock()
	return ch
}

// Cancel drops a waiter returned by Expect that will not be read.
func (t *HostTransport) Cancel(id uint16, ch <-chan *Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.waiters[id]
	for i, w := range list {
		if w == ch {
			t.waiters[id] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Query sends a command and returns the next response with respID.
func (t *HostTransport) Query(ctx context.Context, cmdID uint16, args func(output OutputBuffer), respID uint16) (*Message, error) {
	scratch := NewScratchOutput()
	EncodeVLQUint(scratch, uint32(cmdID))
	if args != nil {
		args(scratch)
	}
	return t.QueryPayload(ctx, scratch.Result(), respID)
}

// QueryPayload is Query for an encoded command payload.
func (t *HostTransport) QueryPayload(ctx context.Context, payload []byte, respID uint16) (*Message, error) {
	ch := t.Expect(respID)
	if err := t.SendPayload(ctx, payload); err != nil {
		t.Cancel(respID, ch)
		return nil, err
	}
	select {
	case msg := <-ch:
		return msg, nil
	case <-ctx.Done():
		t.Cancel(respID, ch)
		return nil, ctx.Err()
	case <-t.done:
		t.Cancel(respID, ch)
		return nil, t.closedErr()
	}
}

// readLoop reads the port until Close. Serial ports with a read timeout
// report io.EOF when idle, so EOF does not end the loop.
func (t *HostTransport) readLoop() {
	defer close(t.done)
	buf := make([]byte, hostReadBufferSize)
	for {
		select {
		case <-t.stop:
			return
		default:
		}
		n, err := t.port.Read(buf)
		if n > 0 {
			t.input.Write(buf[:n])
			t.processInput()
		}
		if err == nil {
			continue
		}
		if isClosed(err) {
			t.mu.Lock()
			t.readErr = err
			t.mu.Unlock()
			return
		}
		select {
		case <-t.stop:
			return
		case <-time.After(readErrorBackoff):
		}
	}
}

func isClosed(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) || errors.Is(err, net.ErrClosed)
}

func (t *HostTransport) processInput() {
	data := t.input.Data()
	for {
		ev, block, rest := t.scanner.scan(data)
		data = rest
		if ev == scanNeedMore {
			break
		}
		if ev == scanBlock {
			t.dispatch(block)
		}
	}
	if consumed := t.input.Available() - len(data); consumed > 0 {
		t.input.Pop(consumed)
	}
}

func (t *HostTransport) dispatch(block []byte) {
	payload := blockPayload(block)
	if len(payload) == 0 {
		select {
		case t.acks <- blockSeq(block):
		default:
		}
		return
	}

	msg := &Message{Sequence: blockSeq(block), Payload: append([]byte(nil), payload...)}
	args := msg.Payload
	id, err := DecodeVLQUint(&args)
	if err != nil {
		return
	}
	msg.ID = uint16(id)
	msg.Args = args

	t.mu.Lock()
	var waiter chan *Message
	if list := t.waiters[msg.ID]; len(list) > 0 {
		waiter = list[0]
		t.waiters[msg.ID] = list[1:]
	}
	handler := t.handler
	t.mu.Unlock()

	if waiter != nil {
		waiter <- msg
		return
	}
	if handler != nil {
		data := msg.Args
		_ = handler(msg.ID, &data)
	}
}

func (t *HostTransport) closedErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.readErr != nil {
		return fmt.Errorf("%w: %v", ErrTransportClosed, t.readErr)
	}
	return ErrTransportClosed
}

// Close stops the reader and closes the port.
func (t *HostTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.stop)
		if t.port != nil {
			err = t.port.Close()
		}
		<-t.done
	})
	return err
}

// Reset restarts the sequence at 0x10, which the MCU takes as a host restart.
func (t *HostTransport) Reset() {
	t.sendMu.Lock()
	t.seq = MessageDest
	t.sendMu.Unlock()
}

// Sequence returns the sequence of the next block to send.
func (t *HostTransport) Sequence() uint8 {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	return t.seq
}
