// Package stego implements the LSB steganography codec that spec §1
// treats as an external collaborator, and the adapter of spec §4.10 that
// wraps it for use on the server's task-processing path.
//
// The embedding scheme follows the original CloudP2P implementation: a
// 4-byte big-endian length prefix followed by the secret's bytes, one bit
// per pixel's R/G/B least-significant bit (alpha untouched), row-major.
package stego

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
)

// Kind classifies a codec error the way spec §6 enumerates
// Encoder.Encode/Decode errors: "too_small", "format" or "length".
type Kind string

const (
	KindTooSmall Kind = "too_small"
	KindFormat   Kind = "format"
	KindLength   Kind = "length"
)

// Error is the error type returned by Encode/Decode.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Msg }

const lengthPrefixBits = 32

// Encode embeds secret into carrier's least-significant bits and returns
// the result re-encoded as PNG.
//
// Returns an *Error with Kind KindTooSmall if the carrier cannot hold
// len(secret)*8 + 32 bits, or KindFormat if carrier cannot be decoded as
// an image.
func Encode(carrier, secret []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(carrier))
	if err != nil {
		return nil, &Error{Kind: KindFormat, Msg: err.Error()}
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	availableBits := width * height * 3
	payload := make([]byte, 4+len(secret))
	payload[0] = byte(len(secret) >> 24)
	payload[1] = byte(len(secret) >> 16)
	payload[2] = byte(len(secret) >> 8)
	payload[3] = byte(len(secret))
	copy(payload[4:], secret)

	requiredBits := len(payload) * 8
	if requiredBits > availableBits {
		return nil, &Error{Kind: KindTooSmall, Msg: "carrier image too small for secret payload"}
	}

	out := image.NewRGBA(bounds)
	bitIdx := 0
	dataIdx := 0

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, a := img.At(x, y).RGBA()
			px := [3]uint8{uint8(r >> 8), uint8(g >> 8), uint8(b >> 8)}

			for ch := 0; ch < 3 && dataIdx < len(payload); ch++ {
				bit := (payload[dataIdx] >> (7 - bitIdx)) & 1
				px[ch] = (px[ch] &^ 1) | bit

				bitIdx++
				if bitIdx == 8 {
					bitIdx = 0
					dataIdx++
				}
			}

			out.Set(x, y, color.RGBA{R: px[0], G: px[1], B: px[2], A: uint8(a >> 8)})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, &Error{Kind: KindFormat, Msg: err.Error()}
	}

	return buf.Bytes(), nil
}

// Decode extracts the secret embedded by Encode from a stego image.
func Decode(stego []byte) ([]byte, error) {
	img, err := png.Decode(bytes.NewReader(stego))
	if err != nil {
		return nil, &Error{Kind: KindFormat, Msg: err.Error()}
	}

	bounds := img.Bounds()

	lengthBytes := make([]byte, 4)
	bitIdx := 0
	dataIdx := 0

	readBit := func(x, y, ch int) uint8 {
		r, g, b, _ := img.At(x, y).RGBA()
		px := [3]uint8{uint8(r >> 8), uint8(g >> 8), uint8(b >> 8)}
		return px[ch] & 1
	}

	totalBitsNeeded := lengthPrefixBits
	var secretLen int
	bitsConsumed := 0

outer:
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			for ch := 0; ch < 3; ch++ {
				if bitsConsumed >= totalBitsNeeded {
					break outer
				}

				bit := readBit(x, y, ch)
				lengthBytes[dataIdx] |= bit << (7 - bitIdx)

				bitIdx++
				bitsConsumed++
				if bitIdx == 8 {
					bitIdx = 0
					dataIdx++
				}
			}
		}
	}

	secretLen = int(lengthBytes[0])<<24 | int(lengthBytes[1])<<16 | int(lengthBytes[2])<<8 | int(lengthBytes[3])
	if secretLen < 0 || secretLen > bounds.Dx()*bounds.Dy()*3 {
		return nil, &Error{Kind: KindLength, Msg: "corrupt length prefix"}
	}

	secret := make([]byte, secretLen)
	bitIdx = 0
	dataIdx = 0
	skip := lengthPrefixBits
	consumed := 0

outer2:
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			for ch := 0; ch < 3; ch++ {
				if skip > 0 {
					skip--
					continue
				}
				if dataIdx >= secretLen {
					break outer2
				}

				bit := readBit(x, y, ch)
				secret[dataIdx] |= bit << (7 - bitIdx)

				bitIdx++
				consumed++
				if bitIdx == 8 {
					bitIdx = 0
					dataIdx++
				}
			}
		}
	}

	if dataIdx < secretLen {
		return nil, &Error{Kind: KindLength, Msg: "stego image truncated"}
	}

	return secret, nil
}

var ErrEmptySecret = errors.New("stego: decoded secret is empty")
