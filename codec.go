// Package pipemux implements a message-oriented, optionally compressed,
// optionally encrypted request/response channel between two local
// processes, paired over two unidirectional byte pipes.
package pipemux

import "github.com/kamaroh/pipemux/errs"

// Codec transforms a byte payload on its way to or from the wire. Encode
// and Decode must be inverses of each other for any non-empty input:
// Decode(Encode(x)) == x. Encode and Decode of empty input are undefined
// and may fail; no Codec may silently accept empty input.
type Codec interface {
	Encode(plain []byte) ([]byte, error)
	Decode(coded []byte) ([]byte, error)
	// Apply dispatches to Decode when decode is true, Encode otherwise.
	Apply(data []byte, decode bool) ([]byte, error)
}

// base gives concrete codecs Apply for free.
type base struct {
	self Codec
}

func (b base) Apply(data []byte, decode bool) ([]byte, error) {
	if decode {
		return b.self.Decode(data)
	}
	return b.self.Encode(data)
}

// Composite chains an ordered list of codecs. Encode applies them in
// order (outermost transform applied last, matching the wire format
// "compress then encrypt"); Decode applies them in reverse.
type Composite struct {
	base
	inner []Codec
}

// NewComposite builds a Composite applying codecs in the given order on
// Encode and the reverse order on Decode. An empty list is a valid
// pass-through codec (used when both compression and encryption are
// disabled).
func NewComposite(codecs ...Codec) *Composite {
	c := &Composite{inner: codecs}
	c.self = c
	return c
}

func (c *Composite) Encode(plain []byte) ([]byte, error) {
	if len(plain) == 0 {
		return nil, errs.NewCodecError("composite", "encode of empty input", nil)
	}
	data := plain
	for _, inner := range c.inner {
		encoded, err := inner.Encode(data)
		if err != nil {
			return nil, err
		}
		data = encoded
	}
	return data, nil
}

func (c *Composite) Decode(coded []byte) ([]byte, error) {
	if len(coded) == 0 {
		return nil, errs.NewCodecError("composite", "decode of empty input", nil)
	}
	data := coded
	for i := len(c.inner) - 1; i >= 0; i-- {
		decoded, err := c.inner[i].Decode(data)
		if err != nil {
			return nil, err
		}
		data = decoded
	}
	return data, nil
}
