package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize is the largest payload a frame may carry.
const MaxFrameSize = 1 << 20

// ErrFrameTooLarge is returned for frames whose declared length exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame too large")

// AppendFrame appends payload to b prefixed by its uvarint length.
//
// Postcondition: Returns ErrFrameTooLarge without appending if payload exceeds MaxFrameSize.
func AppendFrame(b, payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameSize {
		return b, fmt.Errorf("%d bytes: %w", len(payload), ErrFrameTooLarge)
	}
	b = binary.AppendUvarint(b, uint64(len(payload)))
	return append(b, payload...), nil
}

// ReadFrame reads one length-prefixed payload from r.
//
// Postcondition: Returns the payload, io.EOF on a clean end of stream between
// frames, io.ErrUnexpectedEOF on a truncated frame, or ErrFrameTooLarge.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%d bytes: %w", size, ErrFrameTooLarge)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}
