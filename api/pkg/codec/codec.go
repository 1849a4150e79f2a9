// Package codec turns raw screenshot bytes into the wire payload for frame
// messages: DEFLATE-compress, then base64. The payload carries no image MIME
// prefix; the client prepends the data-URL prefix after inflating.
package codec

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// compressionLevel is fixed at a moderate setting. Quality trade-offs are
// made in the raster step, not here.
const compressionLevel = 6

// ErrMalformedPayload is returned by Decode for input that is not valid
// base64 or not a valid DEFLATE stream.
var ErrMalformedPayload = fmt.Errorf("codec: malformed payload")

// Encode compresses raw image bytes and returns the base64 payload together
// with the compressed byte length. It does not fail for well-formed input.
func Encode(raw []byte) (string, int, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, compressionLevel)
	if err != nil {
		return "", 0, fmt.Errorf("codec: create writer: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return "", 0, fmt.Errorf("codec: compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", 0, fmt.Errorf("codec: flush: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), buf.Len(), nil
}

// Decode reverses Encode: base64-decode, then inflate. It guarantees
// Decode(Encode(x)) == x byte for byte.
func Decode(payload string) ([]byte, error) {
	compressed, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return raw, nil
}
