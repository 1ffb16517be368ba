package cache

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/snappy"
	"github.com/pierrec/lz4/v4"

	"github.com/seoshield/proxy/internal/config"
)

// compressMinSize is the body size below which compression is skipped;
// tiny documents compress poorly and the round-trip is pure overhead.
const compressMinSize = 512

// Compress encodes a snapshot body with the configured algorithm. It
// returns the encoded bytes and the encoding label stored alongside the
// snapshot ("" when the body was left as-is).
func Compress(body []byte, algorithm string) ([]byte, string, error) {
	if len(body) < compressMinSize {
		return body, "", nil
	}

	switch algorithm {
	case config.CompressionSnappy:
		return snappy.Encode(nil, body), config.CompressionSnappy, nil

	case config.CompressionLZ4:
		// Stream format embeds the uncompressed size.
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			w.Close()
			return nil, "", fmt.Errorf("lz4 compression failed: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, "", fmt.Errorf("lz4 compression close failed: %w", err)
		}
		return buf.Bytes(), config.CompressionLZ4, nil

	default:
		return body, "", nil
	}
}

// Decompress reverses Compress given the stored encoding label.
func Decompress(body []byte, encoding string) ([]byte, error) {
	switch encoding {
	case config.CompressionSnappy:
		out, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("snappy decompression failed: %w", err)
		}
		return out, nil

	case config.CompressionLZ4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(body)))
		if err != nil {
			return nil, fmt.Errorf("lz4 decompression failed: %w", err)
		}
		return out, nil

	default:
		return body, nil
	}
}
