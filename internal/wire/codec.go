package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// delimiter terminates every frame on the wire (spec.md §3). The §9
// open question on whether length counts the delimiter is resolved in
// favor of "include-delimiter" here.
const delimiter = "\r\n\r\n"

// maxFixedPointIterations bounds the fixed-point search (spec.md §9:
// implement with a hard iteration cap and an assertion that length
// digits stabilize).
const maxFixedPointIterations = 20

// Codec encodes and decodes the length-prefixed JSON frame format.
// Stateless and safe for concurrent use, mirroring internal/cnl.Codec
// in the teacher repo.
type Codec struct{}

// Encode returns the wire bytes for body: serialize([L, body]) + CRLF
// CRLF, where L is the fixed point such that the whole byte string is
// exactly L bytes long.
func (c *Codec) Encode(body Body) ([]byte, error) {
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("wire encode: %w: %v", ErrJSONDecode, err)
	}
	length := len(bodyJSON) + len(delimiter) // L0: a bootstrap guess, not itself a valid frame
	var wrapped []byte
	for i := 0; i < maxFixedPointIterations; i++ {
		wrapped = wrap(length, bodyJSON)
		if len(wrapped) == length {
			return wrapped, nil
		}
		length = len(wrapped)
	}
	return nil, ErrFixedPointNotConverged
}

func wrap(length int, bodyJSON []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(bodyJSON) + len(delimiter) + 12)
	fmt.Fprintf(&buf, "[%d,", length)
	buf.Write(bodyJSON)
	buf.WriteByte(']')
	buf.WriteString(delimiter)
	return buf.Bytes()
}

// Decode attempts to parse exactly one frame from the front of buf. On
// success it returns the frame body and consumes the frame's bytes
// from buf (exact length, per §9's resolution of the trim-length
// question). If buf does not yet hold a complete frame it returns
// ErrNeedMore and leaves buf untouched, so the caller can append more
// bytes from the socket and retry — this is what makes decoding
// tolerant of arbitrary byte-wise stream fragmentation.
func (c *Codec) Decode(buf *bytes.Buffer) (Body, error) {
	raw := buf.Bytes()

	commaIdx := bytes.IndexByte(raw, ',')
	if commaIdx < 0 {
		return nil, ErrNeedMore
	}
	lengthPortion := raw[:commaIdx]
	length, err := parseLengthHeader(lengthPortion)
	if err != nil {
		return nil, err
	}

	if len(raw) < length {
		return nil, ErrNeedMore
	}

	frame := raw[:length]
	if err := checkDelimiter(frame); err != nil {
		return nil, err
	}

	var wrapped [2]json.RawMessage
	if err := json.Unmarshal(frame[:len(frame)-len(delimiter)], &wrapped); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJSONDecode, err)
	}
	var body Body
	if err := json.Unmarshal(wrapped[1], &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJSONDecode, err)
	}

	buf.Next(length)
	return body, nil
}

// parseLengthHeader validates and extracts the integer length from the
// substring preceding the first comma, per spec.md §4.1: must begin
// with '[', contain only '[', whitespace (space/tab/CR/LF) and ASCII
// digits, and end with a digit.
func parseLengthHeader(lengthPortion []byte) (int, error) {
	if len(lengthPortion) == 0 || lengthPortion[0] != '[' {
		return 0, ErrMissingLengthHeader
	}
	digitsStart := -1
	for i, ch := range lengthPortion {
		switch {
		case ch == '[' || ch == ' ' || ch == '\t' || ch == '\r' || ch == '\n':
			continue
		case ch >= '0' && ch <= '9':
			if digitsStart < 0 {
				digitsStart = i
			}
		default:
			return 0, ErrInvalidLengthHeader
		}
	}
	last := lengthPortion[len(lengthPortion)-1]
	if last < '0' || last > '9' || digitsStart < 0 {
		return 0, ErrInvalidLengthHeader
	}
	digits := lengthPortion[digitsStart:]
	var length int
	for _, ch := range digits {
		length = length*10 + int(ch-'0')
	}
	if length <= 0 {
		return 0, ErrInvalidLengthHeader
	}
	return length, nil
}

// checkDelimiter verifies frame's trailing six bytes equal "}]\r\n\r\n".
func checkDelimiter(frame []byte) error {
	const want = "}]" + delimiter
	if len(frame) < len(want) {
		return ErrMissingMessageDelim
	}
	tail := frame[len(frame)-len(want):]
	if string(tail) == want {
		return nil
	}
	if tail[0] == '}' {
		return ErrInvalidMessageDelim
	}
	return ErrMissingMessageDelim
}
