package pipemux

import (
	"bytes"
	"compress/flate"
	"io"

	"github.com/kamaroh/pipemux/errs"
)

// DeflateCodec implements stateless DEFLATE compression at the fastest
// preset on Encode, and decompression of any valid DEFLATE stream
// (including one whose payload is empty) on Decode.
type DeflateCodec struct {
	base
}

// NewDeflateCodec returns a ready-to-use DEFLATE codec. It holds no
// per-instance state, so a single value may be shared across goroutines.
func NewDeflateCodec() *DeflateCodec {
	c := &DeflateCodec{}
	c.self = c
	return c
}

func (c *DeflateCodec) Encode(plain []byte) ([]byte, error) {
	if len(plain) == 0 {
		return nil, errs.NewCodecError("deflate", "encode of empty input", nil)
	}
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return nil, errs.NewCodecError("deflate", "new writer", err)
	}
	if _, err := w.Write(plain); err != nil {
		return nil, errs.NewCodecError("deflate", "write", err)
	}
	if err := w.Close(); err != nil {
		return nil, errs.NewCodecError("deflate", "close", err)
	}
	return buf.Bytes(), nil
}

func (c *DeflateCodec) Decode(coded []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(coded))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errs.NewCodecError("deflate", "malformed stream", err)
	}
	return out, nil
}
