// Package compression provides payload compression for the network
// sink with a selectable algorithm and Content-Encoding mapping.
package compression

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/sirupsen/logrus"
)

// Algorithm identifies a compression algorithm.
type Algorithm string

const (
	AlgorithmGzip   Algorithm = "gzip"
	AlgorithmZlib   Algorithm = "zlib"
	AlgorithmZstd   Algorithm = "zstd"
	AlgorithmLZ4    Algorithm = "lz4"
	AlgorithmSnappy Algorithm = "snappy"
	AlgorithmNone   Algorithm = "none"
)

// ContentEncoding returns the HTTP Content-Encoding header value for
// the algorithm; empty means no header.
func (a Algorithm) ContentEncoding() string {
	switch a {
	case AlgorithmGzip:
		return "gzip"
	case AlgorithmZlib:
		return "deflate"
	case AlgorithmZstd:
		return "zstd"
	case AlgorithmLZ4:
		return "lz4"
	case AlgorithmSnappy:
		return "snappy"
	default:
		return ""
	}
}

// Config configures the compressor.
type Config struct {
	Algorithm Algorithm `yaml:"algorithm"`
	MinBytes  int       `yaml:"min_bytes"` // payloads below this pass through
	Level     int       `yaml:"level"`
}

// Result describes one compression pass.
type Result struct {
	Data           []byte
	Algorithm      Algorithm
	OriginalSize   int
	CompressedSize int
	Encoding       string
}

// Compressor compresses network payloads. Writers are pooled per
// instance; Compress is safe for concurrent use.
type Compressor struct {
	config Config
	logger *logrus.Logger

	gzipPool sync.Pool
	zlibPool sync.Pool
	zstdEnc  *zstd.Encoder
	zstdOnce sync.Once
}

// New creates a Compressor.
func New(config Config, logger *logrus.Logger) (*Compressor, error) {
	if config.Algorithm == "" {
		config.Algorithm = AlgorithmNone
	}
	if config.MinBytes <= 0 {
		config.MinBytes = 1024
	}
	if config.Level <= 0 {
		config.Level = 6
	}
	switch config.Algorithm {
	case AlgorithmGzip, AlgorithmZlib, AlgorithmZstd, AlgorithmLZ4, AlgorithmSnappy, AlgorithmNone:
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", config.Algorithm)
	}
	return &Compressor{config: config, logger: logger}, nil
}

// Compress compresses data with the configured algorithm. Payloads
// below MinBytes are returned unchanged with no encoding.
func (c *Compressor) Compress(data []byte) (Result, error) {
	if c.config.Algorithm == AlgorithmNone || len(data) < c.config.MinBytes {
		return Result{Data: data, Algorithm: AlgorithmNone, OriginalSize: len(data), CompressedSize: len(data)}, nil
	}

	var compressed []byte
	var err error
	switch c.config.Algorithm {
	case AlgorithmGzip:
		compressed, err = c.compressGzip(data)
	case AlgorithmZlib:
		compressed, err = c.compressZlib(data)
	case AlgorithmZstd:
		compressed, err = c.compressZstd(data)
	case AlgorithmLZ4:
		compressed, err = compressLZ4(data)
	case AlgorithmSnappy:
		compressed = snappy.Encode(nil, data)
	}
	if err != nil {
		return Result{}, fmt.Errorf("compress %s: %w", c.config.Algorithm, err)
	}

	return Result{
		Data:           compressed,
		Algorithm:      c.config.Algorithm,
		OriginalSize:   len(data),
		CompressedSize: len(compressed),
		Encoding:       c.config.Algorithm.ContentEncoding(),
	}, nil
}

func (c *Compressor) compressGzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, _ := c.gzipPool.Get().(*gzip.Writer)
	if w == nil {
		var err error
		w, err = gzip.NewWriterLevel(&buf, c.config.Level)
		if err != nil {
			return nil, err
		}
	} else {
		w.Reset(&buf)
	}
	defer c.gzipPool.Put(w)

	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Compressor) compressZlib(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, _ := c.zlibPool.Get().(*zlib.Writer)
	if w == nil {
		var err error
		w, err = zlib.NewWriterLevel(&buf, c.config.Level)
		if err != nil {
			return nil, err
		}
	} else {
		w.Reset(&buf)
	}
	defer c.zlibPool.Put(w)

	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Compressor) compressZstd(data []byte) ([]byte, error) {
	var initErr error
	c.zstdOnce.Do(func() {
		c.zstdEnc, initErr = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(c.config.Level)))
	})
	if initErr != nil {
		return nil, initErr
	}
	if c.zstdEnc == nil {
		return nil, fmt.Errorf("zstd encoder unavailable")
	}
	return c.zstdEnc.EncodeAll(data, nil), nil
}

func compressLZ4(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
