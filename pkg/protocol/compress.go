package protocol

import (
	"bytes"
	"compress/flate"
	"io"
)

// Compress deflates a payload for envelopes carrying FlagCompressed.
// Compression is applied to the plaintext before encryption.
func Compress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer

	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(payload); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Decompress inflates a payload from an envelope carrying FlagCompressed
func Decompress(payload []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(payload))
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, AbsoluteMaxPayload+1))
	if err != nil {
		return nil, err
	}
	if len(out) > AbsoluteMaxPayload {
		return nil, ErrOversizedFrame
	}

	return out, nil
}
