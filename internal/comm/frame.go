package comm

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"
)

// Frame is everything one rank packed for another rank in one round. An
// empty payload still travels: it tells the receiver the sender has closed
// its side of the round.
type Frame struct {
	Round   uint64
	From    int
	To      int
	Payload []byte
}

// ack closes a delivery stream.
type ack struct{}

const (
	fieldRound   protowire.Number = 1
	fieldFrom    protowire.Number = 2
	fieldTo      protowire.Number = 3
	fieldFlags   protowire.Number = 4
	fieldPayload protowire.Number = 5

	flagZstd uint64 = 1 << 0
)

// Compression selects how frame payloads travel on the network transport.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

// compressMin keeps tiny control frames uncompressed.
const compressMin = 512

// frameCodec is the gRPC codec for the exchange service. Frames use the
// protobuf wire format without generated code.
type frameCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newFrameCodec(c Compression) (*frameCodec, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	codec := &frameCodec{dec: dec}
	switch c {
	case "", CompressionNone:
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			dec.Close()
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		codec.enc = enc
	default:
		dec.Close()
		return nil, fmt.Errorf("comm: unknown compression %q", c)
	}
	return codec, nil
}

func (c *frameCodec) Name() string { return "distmesh-frame" }

func (c *frameCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *Frame:
		return c.encode(m), nil
	case *ack:
		return []byte{}, nil
	default:
		return nil, fmt.Errorf("comm: cannot marshal %T", v)
	}
}

func (c *frameCodec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *Frame:
		return c.decode(data, m)
	case *ack:
		return nil
	default:
		return fmt.Errorf("comm: cannot unmarshal into %T", v)
	}
}

func (c *frameCodec) encode(f *Frame) []byte {
	payload := f.Payload
	var flags uint64
	if c.enc != nil && len(payload) >= compressMin {
		payload = c.enc.EncodeAll(payload, make([]byte, 0, len(payload)/2))
		flags |= flagZstd
	}
	b := make([]byte, 0, len(payload)+32)
	b = protowire.AppendTag(b, fieldRound, protowire.VarintType)
	b = protowire.AppendVarint(b, f.Round)
	b = protowire.AppendTag(b, fieldFrom, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.From))
	b = protowire.AppendTag(b, fieldTo, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.To))
	if flags != 0 {
		b = protowire.AppendTag(b, fieldFlags, protowire.VarintType)
		b = protowire.AppendVarint(b, flags)
	}
	if len(payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, payload)
	}
	return b
}

func (c *frameCodec) decode(b []byte, f *Frame) error {
	*f = Frame{}
	var flags uint64
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("comm: frame tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("comm: frame payload: %w", protowire.ParseError(n))
			}
			f.Payload = append([]byte(nil), v...)
			b = b[n:]
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("comm: frame field %d: %w", num, protowire.ParseError(n))
			}
			switch num {
			case fieldRound:
				f.Round = v
			case fieldFrom:
				f.From = int(v)
			case fieldTo:
				f.To = int(v)
			case fieldFlags:
				flags = v
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("comm: frame field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if flags&flagZstd != 0 {
		out, err := c.dec.DecodeAll(f.Payload, nil)
		if err != nil {
			return fmt.Errorf("comm: decompress frame from %d: %w", f.From, err)
		}
		f.Payload = out
	}
	return nil
}

func (c *frameCodec) Close() {
	if c.enc != nil {
		_ = c.enc.Close()
	}
	c.dec.Close()
}
