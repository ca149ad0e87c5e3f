// Package frame encodes one optional text payload as a length-prefixed frame.
//
// A frame is a 4-byte big-endian signed length followed by that many UTF-8
// bytes. A length of -1 marks an absent payload, distinct from the empty
// string.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"golang.org/x/text/encoding/unicode"
)

// HeaderLen is the size of the length prefix.
const HeaderLen = 4

const (
	absentLength int32 = -1
	// absentHeader is absentLength in two's complement.
	absentHeader uint32 = math.MaxUint32
)

var (
	ErrShortHeader     = errors.New("frame: short length header")
	ErrBadLength       = errors.New("frame: negative length")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrTruncated       = errors.New("frame: truncated payload")
)

// Message is an optional text payload. Valid is false for the absent payload.
type Message struct {
	Text  string
	Valid bool
}

// Text returns a present message carrying s.
func Text(s string) Message {
	return Message{Text: s, Valid: true}
}

// Absent returns the no-payload message.
func Absent() Message {
	return Message{}
}

func (m Message) String() string {
	if !m.Valid {
		return "<absent>"
	}
	return fmt.Sprintf("%q", m.Text)
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes int
	// AllowShortBody accepts a body that ends before the declared length and
	// returns the bytes that did arrive.
	AllowShortBody bool
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 8 * 1024 * 1024}
}

func (l Limits) max() int {
	if l.MaxPayloadBytes <= 0 || l.MaxPayloadBytes > math.MaxInt32 {
		return math.MaxInt32
	}
	return l.MaxPayloadBytes
}

// Encode returns the wire form of msg.
func Encode(msg Message, limits Limits) ([]byte, error) {
	if !msg.Valid {
		buf := make([]byte, HeaderLen)
		binary.BigEndian.PutUint32(buf, absentHeader)
		return buf, nil
	}
	if len(msg.Text) > limits.max() {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, len(msg.Text), limits.max())
	}
	buf := make([]byte, HeaderLen+len(msg.Text))
	binary.BigEndian.PutUint32(buf, uint32(int32(len(msg.Text))))
	copy(buf[HeaderLen:], msg.Text)
	return buf, nil
}

// Write encodes msg onto w in a single write.
func Write(w io.Writer, msg Message, limits Limits) error {
	buf, err := Encode(msg, limits)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return err
	}
	return nil
}

// Read decodes one frame from r. An EOF before any header byte is returned as
// io.EOF so callers can tell a closed peer from a malformed frame.
func Read(r io.Reader, limits Limits) (Message, error) {
	var header [HeaderLen]byte
	n, err := io.ReadFull(r, header[:])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return Message{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, ErrShortHeader
		}
		return Message{}, err
	}

	length := int32(binary.BigEndian.Uint32(header[:]))
	switch {
	case length == absentLength:
		return Absent(), nil
	case length < absentLength:
		return Message{}, fmt.Errorf("%w: %d", ErrBadLength, length)
	case int(length) > limits.max():
		return Message{}, fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, length, limits.max())
	}

	body := make([]byte, length)
	read, err := io.ReadFull(r, body)
	if err != nil {
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, err
		}
		if !limits.AllowShortBody {
			return Message{}, fmt.Errorf("%w: got %d of %d bytes", ErrTruncated, read, length)
		}
		body = body[:read]
	}

	text, err := decodeText(body)
	if err != nil {
		return Message{}, err
	}
	return Text(text), nil
}

func decodeText(body []byte) (string, error) {
	if len(body) == 0 {
		return "", nil
	}
	decoded, err := unicode.UTF8.NewDecoder().Bytes(body)
	if err != nil {
		return "", fmt.Errorf("frame: decode payload: %w", err)
	}
	return string(decoded), nil
}
