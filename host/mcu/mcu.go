// Package mcu is the host side client of the hybrid PWM firmware: it fetches
// the data dictionary and sends commands by name.
package mcu

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"hybridpwm/host/serial"
	"hybridpwm/protocol"
)

// Bootstrap message IDs, fixed before the dictionary is known.
const (
	identifyResponseID = 0
	identifyID         = 1

	identifyChunk = 40
	maxDictionary = 1 << 20
)

var ErrNoDictionary = errors.New("dictionary not retrieved")

// MCU represents a connection to a hybrid PWM microcontroller
type MCU struct {
	transport *protocol.HostTransport
	port      io.ReadWriteCloser

	dictionary     *Dictionary
	dictionaryData []byte

	// Timeout bounds each command when the caller's context has no deadline.
	Timeout time.Duration
}

// New wraps an open connection.
func New(port io.ReadWriteCloser) *MCU {
	return &MCU{
		transport: protocol.NewHostTransport(port),
		port:      port,
		Timeout:   2 * time.Second,
	}
}

// Connect opens the port described by cfg and retrieves the dictionary.
func Connect(ctx context.Context, cfg *serial.Config) (*MCU, error) {
	port, err := serial.Open(cfg)
	if err != nil {
		return nil, err
	}
	m := New(port)
	if err := m.RetrieveDictionary(ctx); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

// Close closes the connection to the MCU
func (m *MCU) Close() error {
	return m.transport.Close()
}

// Transport returns the underlying host transport.
func (m *MCU) Transport() *protocol.HostTransport { return m.transport }

// Dictionary returns the dictionary, nil before RetrieveDictionary.
func (m *MCU) Dictionary() *Dictionary { return m.dictionary }

// DictionaryData returns the raw dictionary as received.
func (m *MCU) DictionaryData() []byte { return m.dictionaryData }

func (m *MCU) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || m.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.Timeout)
}

// RetrieveDictionary reads the dictionary in identify chunks and parses it.
func (m *MCU) RetrieveDictionary(ctx context.Context) error {
	var buf bytes.Buffer
	for buf.Len() < maxDictionary {
		offset := uint32(buf.Len())
		chunk, err := m.identify(ctx, offset)
		if err != nil {
			return fmt.Errorf("dictionary chunk at offset %d: %w", offset, err)
		}
		buf.Write(chunk)
		if len(chunk) < identifyChunk {
			break
		}
	}

	dict, err := ParseDictionary(buf.Bytes())
	if err != nil {
		return err
	}
	m.dictionaryData = buf.Bytes()
	m.dictionary = dict
	return nil
}

func (m *MCU) identify(ctx context.Context, offset uint32) ([]byte, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	msg, err := m.transport.Query(ctx, identifyID, func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, offset)
		protocol.EncodeVLQUint(output, identifyChunk)
	}, identifyResponseID)
	if err != nil {
		return nil, err
	}
	args := msg.Args
	got, err := protocol.DecodeVLQUint(&args)
	if err != nil {
		return nil, err
	}
	if got != offset {
		return nil, fmt.Errorf("identify offset mismatch: got %d, expected %d", got, offset)
	}
	data, err := protocol.DecodeVLQBytes(&args)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), data...), nil
}

func (m *MCU) encode(name string, args []any) ([]byte, error) {
	if m.dictionary == nil {
		return nil, ErrNoDictionary
	}
	f, err := m.dictionary.Command(name)
	if err != nil {
		return nil, err
	}
	return f.Encode(args...)
}

// Send sends a command by name and waits for its acknowledgement.
func (m *MCU) Send(ctx context.Context, name string, args ...any) error {
	payload, err := m.encode(name, args)
	if err != nil {
		return err
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	if err := m.transport.SendPayload(ctx, payload); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Query sends a command and decodes the next response named response.
func (m *MCU) Query(ctx context.Context, name, response string, args ...any) (Fields, error) {
	payload, err := m.encode(name, args)
	if err != nil {
		return nil, err
	}
	resp, err := m.dictionary.Response(response)
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	msg, err := m.transport.QueryPayload(ctx, payload, resp.ID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return resp.Decode(msg.Args)
}
