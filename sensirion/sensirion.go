// Package sensirion implements the framing shared by Sensirion I2C sensors:
// 16-bit big-endian command words, optionally followed by 16-bit arguments,
// and responses made of 16-bit words each trailed by a CRC8 byte.
package sensirion // import "code.nkcmr.net/co2sensor/sensirion"

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"github.com/sigurn/crc8"
)

// WordSize is the on-wire size of one response word: two data bytes and
// their CRC.
const WordSize = 3

// CRC-8 with polynomial x^8+x^5+x^4+1, init 0xFF, no reflection. The check
// value is the CRC of "123456789".
var crcTable = crc8.MakeTable(crc8.Params{
	Poly:   0x31,
	Init:   0xFF,
	RefIn:  false,
	RefOut: false,
	XorOut: 0x00,
	Check:  0xF7,
	Name:   "CRC-8/SENSIRION",
})

// CRC8 returns the Sensirion checksum of b.
func CRC8(b []byte) byte {
	return crc8.Checksum(b, crcTable)
}

// EncodeCommand returns the two bytes that issue cmd.
func EncodeCommand(cmd uint16) []byte {
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, cmd)
	return out
}

// EncodeCommandArg returns cmd followed by arg and the CRC of arg. The CRC
// covers the argument only, never the command word.
func EncodeCommandArg(cmd, arg uint16) []byte {
	out := make([]byte, 5)
	binary.BigEndian.PutUint16(out, cmd)
	binary.BigEndian.PutUint16(out[2:], arg)
	out[4] = CRC8(out[2:4])
	return out
}

// EncodeWord returns the on-wire form of a single response word. Sensors
// never receive this; it exists for simulators and tests.
func EncodeWord(w uint16) []byte {
	out := make([]byte, WordSize)
	binary.BigEndian.PutUint16(out, w)
	out[2] = CRC8(out[:2])
	return out
}

// EncodeWords concatenates EncodeWord for each of ws.
func EncodeWords(ws ...uint16) []byte {
	out := make([]byte, 0, len(ws)*WordSize)
	for _, w := range ws {
		out = append(out, EncodeWord(w)...)
	}
	return out
}

// DecodeWord decodes one word from b, which must be exactly WordSize bytes.
// ok is false when the length is wrong or the CRC does not match.
func DecodeWord(b []byte) (v uint16, ok bool) {
	if len(b) != WordSize {
		return 0, false
	}
	v = binary.BigEndian.Uint16(b)
	return v, CRC8(b[:2]) == b[2]
}

// CRCError reports a word whose trailing checksum did not match.
type CRCError struct {
	// Word is the zero based index of the failing word in the response.
	Word int
	Want byte
	Got  byte
}

func (e *CRCError) Error() string {
	return fmt.Sprintf("crc mismatch in word %d: expected 0x%02X, got 0x%02X", e.Word, e.Want, e.Got)
}

// DecodeWords validates and decodes every word in b. A single bad checksum
// fails the whole response.
func DecodeWords(b []byte) ([]uint16, error) {
	if len(b)%WordSize != 0 {
		return nil, errors.Errorf("response length %d is not a multiple of %d", len(b), WordSize)
	}
	out := make([]uint16, len(b)/WordSize)
	for i := range out {
		chunk := b[i*WordSize : (i+1)*WordSize]
		v, ok := DecodeWord(chunk)
		if !ok {
			return nil, &CRCError{Word: i, Want: CRC8(chunk[:2]), Got: chunk[2]}
		}
		out[i] = v
	}
	return out, nil
}
