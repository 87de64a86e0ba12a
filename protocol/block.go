package protocol

import "errors"

// ErrMessageTooLong is returned when a payload does not fit one message block.
var ErrMessageTooLong = errors.New("message too long")

// MessagePayloadMax is the largest payload a single block can carry.
const MessagePayloadMax = MessageLengthMax - MessageLengthMin

type scanEvent uint8

const (
	scanNeedMore scanEvent = iota // no complete block yet, rest is kept
	scanBlock                     // block holds one validated message block
	scanResync                    // framing was regained after garbage
)

// blockScanner splits a byte stream into message blocks. On any framing
// error it drops into unsynchronized mode and discards bytes up to the next
// sync byte.
type blockScanner struct {
	unsynced bool

	// checkDest rejects blocks without the 0x10 destination bits. Only
	// host to MCU blocks carry them.
	checkDest bool

	// Dropped counts framing errors.
	Dropped uint32
}

func (s *blockScanner) drop() {
	s.unsynced = true
	s.Dropped++
}

// scan looks for the next event in data and returns the bytes not consumed.
func (s *blockScanner) scan(data []byte) (scanEvent, []byte, []byte) {
	for len(data) > 0 {
		if s.unsynced {
			i := 0
			for i < len(data) && data[i] != MessageValueSync {
				i++
			}
			if i == len(data) {
				return scanNeedMore, nil, nil
			}
			s.unsynced = false
			return scanResync, nil, data[i+1:]
		}
		if data[0] == MessageValueSync {
			data = data[1:]
			continue
		}
		if len(data) < MessageLengthMin {
			break
		}
		msgLen := int(data[MessagePositionLen])
		if msgLen < MessageLengthMin || msgLen > MessageLengthMax {
			s.drop()
			continue
		}
		if s.checkDest && data[MessagePositionSeq]&^MessageSeqMask != MessageDest {
			s.drop()
			continue
		}
		if len(data) < msgLen {
			break
		}
		if data[msgLen-MessageTrailerSync] != MessageValueSync {
			s.drop()
			continue
		}
		if !blockCRCValid(data[:msgLen]) {
			s.drop()
			continue
		}
		return scanBlock, data[:msgLen], data[msgLen:]
	}
	return scanNeedMore, nil, data
}

// blockSeq and blockPayload pick a validated block apart.
func blockSeq(block []byte) uint8 { return block[MessagePositionSeq] }

func blockPayload(block []byte) []byte {
	return block[MessageHeaderSize : len(block)-MessageTrailerSize]
}

// AppendBlock frames payload with sequence byte seq and appends the block
// to dst.
func AppendBlock(dst []byte, seq uint8, payload []byte) ([]byte, error) {
	if len(payload) > MessagePayloadMax {
		return dst, ErrMessageTooLong
	}
	start := len(dst)
	dst = append(dst, uint8(len(payload)+MessageLengthMin), seq)
	dst = append(dst, payload...)
	return appendTrailer(dst, start), nil
}

// NextSequence returns the sequence that follows seq, keeping the
// destination bits.
func NextSequence(seq uint8) uint8 {
	return ((seq + 1) & MessageSeqMask) | (seq &^ MessageSeqMask)
}
