package baresip

import (
	"bytes"
	"io"
	"strconv"

	"github.com/pkg/errors"
)

// maxFrame bounds a single ctrl_tcp message.
const maxFrame = 1 << 20

var errFrameTooLarge = errors.New("netstring: frame too large")

// Encoder writes netstring frames: <length>:<data>,
type Encoder struct {
	w io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes data as one frame with a single Write call.
func (e *Encoder) Encode(data []byte) error {
	frame := make([]byte, 0, len(data)+12)
	frame = strconv.AppendInt(frame, int64(len(data)), 10)
	frame = append(frame, ':')
	frame = append(frame, data...)
	frame = append(frame, ',')
	_, err := e.w.Write(frame)
	return err
}

// Decoder reads netstring frames from a stream.
type Decoder struct {
	r      io.Reader
	buffer []byte
	chunk  []byte
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, chunk: make([]byte, 4096)}
}

// Decode returns the payload of the next frame. Garbage between frames is
// skipped.
func (d *Decoder) Decode() ([]byte, error) {
	for {
		payload, consumed, err := parseFrame(d.buffer)
		if err != nil {
			return nil, err
		}
		if consumed > 0 {
			d.buffer = d.buffer[consumed:]
			if payload != nil {
				return payload, nil
			}
			continue
		}

		n, err := d.r.Read(d.chunk)
		if n > 0 {
			d.buffer = append(d.buffer, d.chunk[:n]...)
		}
		if err != nil {
			if n > 0 && err == io.EOF {
				continue
			}
			return nil, err
		}
	}
}

// parseFrame looks for one frame at the start of buf. It returns the number
// of bytes consumed; a non-zero count with a nil payload means bytes were
// discarded to resynchronise.
func parseFrame(buf []byte) ([]byte, int, error) {
	colon := bytes.IndexByte(buf, ':')
	if colon == -1 {
		if len(buf) > 20 {
			return nil, 1, nil
		}
		return nil, 0, nil
	}
	length, err := strconv.Atoi(string(buf[:colon]))
	if err != nil || length < 0 {
		return nil, 1, nil
	}
	if length > maxFrame {
		return nil, 0, errFrameTooLarge
	}
	total := colon + 1 + length + 1
	if len(buf) < total {
		return nil, 0, nil
	}
	if buf[total-1] != ',' {
		return nil, 1, nil
	}
	payload := make([]byte, length)
	copy(payload, buf[colon+1:colon+1+length])
	return payload, total, nil
}
