package backup

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies the stream compression of an archive. The codec used at
// dump time is recorded in the manifest, so Restore never guesses.
type Codec string

const (
	// CodecZSTD compresses with zstd. Best ratio, the default.
	CodecZSTD Codec = "zstd"
	// CodecLZ4 compresses with lz4. Faster, lighter ratio.
	CodecLZ4 Codec = "lz4"
	// CodecNone stores the streams uncompressed.
	CodecNone Codec = "none"
)

func (c Codec) validate() error {
	switch c {
	case CodecZSTD, CodecLZ4, CodecNone:
		return nil
	}
	return fmt.Errorf("backup: unknown codec %q", c)
}

// ext returns the suffix stream files of this codec carry.
func (c Codec) ext() string {
	switch c {
	case CodecZSTD:
		return ".zst"
	case CodecLZ4:
		return ".lz4"
	default:
		return ""
	}
}

// NewWriter wraps w in the codec's compressor. Closing the returned writer
// flushes the compression frames; it does not close w.
func (c Codec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	switch c {
	case CodecZSTD:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	case CodecLZ4:
		return lz4.NewWriter(w), nil
	case CodecNone:
		return nopWriteCloser{w}, nil
	}
	return nil, fmt.Errorf("backup: unknown codec %q", c)
}

// NewReader wraps r in the codec's decompressor.
func (c Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	switch c {
	case CodecZSTD:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("backup: zstd reader: %w", err)
		}
		return dec.IOReadCloser(), nil
	case CodecLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case CodecNone:
		return io.NopCloser(r), nil
	}
	return nil, fmt.Errorf("backup: unknown codec %q", c)
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
