package stego

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func solidPNG(w, h int, c color.RGBA) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// TestEncodeDecodeRoundTrip covers P6: the secret recovered by Decode
// must equal the secret given to Encode, byte for byte.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name   string
		secret []byte
	}{
		{"short", []byte("hi")},
		{"binary", []byte{0x00, 0xff, 0x10, 0x01, 0xfe}},
		{"sentence", []byte("the quick brown fox jumps over the lazy dog")},
	}

	carrier := solidPNG(64, 64, color.RGBA{R: 10, G: 200, B: 40, A: 255})

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stego, err := Encode(carrier, tc.secret)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}

			got, err := Decode(stego)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}

			if !bytes.Equal(got, tc.secret) {
				t.Fatalf("round trip mismatch: got %v, want %v", got, tc.secret)
			}
		})
	}
}

// TestEncodeRejectsTooSmallCarrier covers Scenario 6: a carrier without
// enough pixels to hold the length prefix plus secret must fail with
// KindTooSmall, never panic or silently truncate.
func TestEncodeRejectsTooSmallCarrier(t *testing.T) {
	carrier := solidPNG(2, 2, color.RGBA{R: 1, G: 2, B: 3, A: 255})
	secret := bytes.Repeat([]byte{0xAB}, 64)

	_, err := Encode(carrier, secret)
	if err == nil {
		t.Fatalf("expected error for undersized carrier")
	}

	var serr *Error
	if !asError(err, &serr) || serr.Kind != KindTooSmall {
		t.Fatalf("err = %v, want KindTooSmall", err)
	}
}

// TestEncodeRejectsBadFormat covers the non-image-carrier error path.
func TestEncodeRejectsBadFormat(t *testing.T) {
	_, err := Encode([]byte("not an image"), []byte("secret"))
	if err == nil {
		t.Fatalf("expected error for malformed carrier")
	}

	var serr *Error
	if !asError(err, &serr) || serr.Kind != KindFormat {
		t.Fatalf("err = %v, want KindFormat", err)
	}
}

// TestDecodeRejectsCorruptLength covers the length-prefix sanity check:
// a stego image whose embedded length prefix exceeds the image's own
// capacity must fail rather than allocate an enormous buffer.
func TestDecodeRejectsCorruptLength(t *testing.T) {
	// An untouched 1x1 white carrier: its only three LSBs are all 1, so
	// the length prefix reads 0xE0000000, far beyond the 3 bits the image
	// can hold, and Decode must reject it rather than panic or allocate.
	tiny := solidPNG(1, 1, color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 255})

	_, err := Decode(tiny)
	if err == nil {
		t.Fatalf("expected error for corrupt length prefix")
	}

	var serr *Error
	if !asError(err, &serr) || serr.Kind != KindLength {
		t.Fatalf("err = %v, want KindLength", err)
	}
}

func asError(err error, target **Error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = e
	return true
}
