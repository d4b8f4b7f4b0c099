package format

import (
	"bytes"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

// MaxDecompressedSize caps how far a wrapped resource may expand
const MaxDecompressedSize = 512 << 20

// ErrDecompressedTooLarge is returned when a container expands beyond MaxDecompressedSize
var ErrDecompressedTooLarge = errors.New("decompressed payload exceeds size limit")

// Decompress unwraps data according to c. None returns data unchanged.
func Decompress(c Compression, data []byte) ([]byte, error) {
	switch c {
	case None:
		return data, nil
	case Gzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer r.Close()
		return readLimited(r)
	case Bzip2:
		return readLimited(bzip2.NewReader(bytes.NewReader(data)))
	case Zstd:
		dec, err := zstd.NewReader(bytes.NewReader(data), zstd.WithDecoderMaxMemory(MaxDecompressedSize))
		if err != nil {
			return nil, fmt.Errorf("failed to open zstd stream: %w", err)
		}
		defer dec.Close()
		return readLimited(dec)
	case Zip:
		return unzipFirst(data)
	default:
		return nil, fmt.Errorf("unknown compression %q", c)
	}
}

// unzipFirst returns the contents of the first regular file in the archive
func unzipFirst(data []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open zip archive: %w", err)
	}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open %s in zip archive: %w", f.Name, err)
		}
		out, err := readLimited(rc)
		rc.Close()
		return out, err
	}
	return nil, errors.New("zip archive contains no files")
}

func readLimited(r io.Reader) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, MaxDecompressedSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress: %w", err)
	}
	if len(out) > MaxDecompressedSize {
		return nil, ErrDecompressedTooLarge
	}
	return out, nil
}
