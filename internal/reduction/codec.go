package reduction

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"

	"github.com/dirkpetersen/claudefs/internal/block"
)

// Codec compresses and decompresses chunk payloads before they are sealed.
type Codec interface {
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// SelectCodec picks a codec by placement hint: lz4 for latency-sensitive
// hot/warm placements, xz for ratio-sensitive cold/snapshot placements,
// both grounded on trustelem-go-diskfs's go.mod.
func SelectCodec(hint block.PlacementHint) Codec {
	switch hint {
	case block.PlacementColdData, block.PlacementSnapshot:
		return xzCodec{}
	default:
		return lz4Codec{}
	}
}

type lz4Codec struct{}

func (lz4Codec) Name() string { return "lz4" }

func (lz4Codec) Compress(data []byte) ([]byte, error) {
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

func (lz4Codec) Decompress(data []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	return io.ReadAll(r)
}

type xzCodec struct{}

func (xzCodec) Name() string { return "xz" }

func (xzCodec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (xzCodec) Decompress(data []byte) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}
