package protocol

import (
	"bytes"
	"testing"
)

func TestSliceInputBuffer(t *testing.T) {
	in := NewSliceInputBuffer([]byte{1, 2, 3})
	in.Pop(2)
	if in.Available() != 1 || in.Data()[0] != 3 {
		t.Errorf("Expected [3] after Pop(2), got %v", in.Data())
	}
	in.Pop(5)
	if in.Available() != 0 {
		t.Errorf("Expected empty buffer, got %v", in.Data())
	}
}

func TestScratchOutputLimits(t *testing.T) {
	out := NewScratchOutput()
	out.Output(make([]byte, MessageMax-2))
	out.Output([]byte{1, 2, 3, 4})
	if out.CurPosition() != MessageMax {
		t.Errorf("Expected output capped at %d, got %d", MessageMax, out.CurPosition())
	}

	out.Reset()
	out.Output([]byte{0, 0x10, 0x05})
	out.Update(0, 8)
	out.Update(10, 0xAA) // past the written data
	if !bytes.Equal(out.Result(), []byte{8, 0x10, 0x05}) {
		t.Errorf("Unexpected result % x", out.Result())
	}
	if since := out.DataSince(1); !bytes.Equal(since, []byte{0x10, 0x05}) {
		t.Errorf("Expected DataSince(1) = 10 05, got % x", since)
	}
	if out.DataSince(4) != nil {
		t.Error("Expected nil past the end")
	}
}

func TestFifoBufferFull(t *testing.T) {
	fifo := NewFifoBuffer(8)
	if n := fifo.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9}); n != 7 {
		t.Errorf("Expected 7 bytes stored in a size 8 FIFO, got %d", n)
	}
	if n := fifo.Write([]byte{10}); n != 0 {
		t.Errorf("Expected a full FIFO to refuse data, stored %d", n)
	}
	fifo.Pop(3)
	if n := fifo.Write([]byte{10, 11, 12, 13}); n != 3 {
		t.Errorf("Expected 3 bytes after Pop(3), got %d", n)
	}
	if !bytes.Equal(fifo.Data(), []byte{4, 5, 6, 7, 10, 11, 12}) {
		t.Errorf("Unexpected data %v", fifo.Data())
	}
	fifo.Reset()
	if fifo.Available() != 0 {
		t.Errorf("Expected empty FIFO after Reset, got %d", fifo.Available())
	}
}

// A block split over the ring's wrap point must still reach the transport
// in one piece, the way the firmware reader loop feeds it.
func TestFifoBufferBlockAcrossWrap(t *testing.T) {
	tr, out, calls := newTestTransport()
	fifo := NewFifoBuffer(12)

	first := block(t, 0x10, vlq(5, 1)...)
	second := block(t, 0x11, vlq(5, 4095)...)

	feed := func(data []byte) {
		for len(data) > 0 {
			n := fifo.Write(data)
			data = data[n:]
			buffered := fifo.Data()
			in := NewSliceInputBuffer(buffered)
			tr.Receive(in)
			fifo.Pop(len(buffered) - in.Available())
		}
	}
	feed(first)
	feed(second[:3])
	feed(second[3:])

	if len(*calls) != 2 || (*calls)[1] != (call{5, 4095}) {
		t.Errorf("Expected both commands dispatched, got %v", *calls)
	}
	if fifo.Available() != 0 {
		t.Errorf("Expected FIFO drained, %d bytes left", fifo.Available())
	}
	if !bytes.HasSuffix(out.Result(), block(t, 0x12)) {
		t.Errorf("Expected ACK 0x12 last, got % x", out.Result())
	}
}
