// Package compress implements the chunked stream compression codec:
// decode-then-reencode for gzip/deflate/brotli, passthrough for
// identity. Every reader/writer pair processes the body
// in ~8KiB blocks; the caller never buffers the whole body.
package compress

import (
	"bufio"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// BlockSize is the nominal chunk size used throughout the streaming
// pipeline.
const BlockSize = 8 * 1024

// Encoding identifies one of the required content encodings.
type Encoding int

const (
	Identity Encoding = iota
	Gzip
	Deflate
	Brotli
)

// ParseEncoding maps a Content-Encoding header value to an Encoding,
// case-insensitively.
func ParseEncoding(headerValue string) Encoding {
	switch strings.ToLower(strings.TrimSpace(headerValue)) {
	case "gzip", "x-gzip":
		return Gzip
	case "deflate":
		return Deflate
	case "br":
		return Brotli
	default:
		return Identity
	}
}

func (e Encoding) String() string {
	switch e {
	case Gzip:
		return "gzip"
	case Deflate:
		return "deflate"
	case Brotli:
		return "br"
	default:
		return "identity"
	}
}

// NewDecompressReader wraps src with a reader that yields the decoded
// byte stream for enc, or src itself for Identity.
func NewDecompressReader(src io.Reader, enc Encoding) (io.ReadCloser, error) {
	switch enc {
	case Gzip:
		r, err := gzip.NewReader(bufio.NewReaderSize(src, BlockSize))
		if err != nil {
			return nil, errors.Wrap(err, "opening gzip reader")
		}
		return r, nil
	case Deflate:
		return flate.NewReader(bufio.NewReaderSize(src, BlockSize)), nil
	case Brotli:
		return io.NopCloser(brotli.NewReader(bufio.NewReaderSize(src, BlockSize))), nil
	default:
		return io.NopCloser(src), nil
	}
}

// CompressWriter wraps dst so that every Write is encoded as enc;
// Close must be called to flush finalizing frames (gzip's CRC trailer,
// brotli's final block) — a silent drop of a finalization error is a
// bug, so Close always returns it.
type CompressWriter struct {
	io.Writer
	closer func() error
}

func (w *CompressWriter) Close() error {
	if w.closer == nil {
		return nil
	}
	return w.closer()
}

// NewCompressWriter wraps dst with an encoder for enc. Writes are
// buffered in BlockSize chunks before reaching dst.
func NewCompressWriter(dst io.Writer, enc Encoding) *CompressWriter {
	buffered := bufio.NewWriterSize(dst, BlockSize)
	switch enc {
	case Gzip:
		gz := gzip.NewWriter(buffered)
		return &CompressWriter{
			Writer: gz,
			closer: func() error {
				if err := gz.Close(); err != nil {
					return errors.Wrap(err, "closing gzip writer")
				}
				return buffered.Flush()
			},
		}
	case Deflate:
		fw, _ := flate.NewWriter(buffered, flate.DefaultCompression)
		return &CompressWriter{
			Writer: fw,
			closer: func() error {
				if err := fw.Close(); err != nil {
					return errors.Wrap(err, "closing deflate writer")
				}
				return buffered.Flush()
			},
		}
	case Brotli:
		bw := brotli.NewWriter(buffered)
		return &CompressWriter{
			Writer: bw,
			closer: func() error {
				if err := bw.Close(); err != nil {
					return errors.Wrap(err, "closing brotli writer")
				}
				return buffered.Flush()
			},
		}
	default:
		return &CompressWriter{
			Writer: buffered,
			closer: buffered.Flush,
		}
	}
}

// CopyChunked copies src to dst in BlockSize chunks, never buffering the
// whole stream.
func CopyChunked(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, BlockSize)
	return io.CopyBuffer(dst, src, buf)
}

// ContentTypeActivates reports whether contentType should activate
// rewriting, matching case-insensitively against prefix (e.g.
// "text/html").
func ContentTypeActivates(contentType, prefix string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return ct == strings.ToLower(prefix)
}
