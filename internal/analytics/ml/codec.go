package ml

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/reims/reims-ai/internal/models"
)

// Wire layout of an encoded model:
//
//	magic "RMDL" | version (1) | kind (1) | xxhash64 of payload (8, BE) | payload
//
// The payload is the model's JSON state. Compression is the cache's concern.
const (
	codecVersion byte = 1
	headerLen         = 4 + 1 + 1 + 8
)

var codecMagic = []byte("RMDL")

const (
	kindIsolationForest byte = 1
	kindDensity         byte = 2
)

// Encode serializes a trained model.
func Encode(m Model) ([]byte, error) {
	var kind byte
	switch m.(type) {
	case *IsolationForest:
		kind = kindIsolationForest
	case *DensityModel:
		kind = kindDensity
	default:
		return nil, fmt.Errorf("encode model: unsupported type %T", m)
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode model: %w", err)
	}

	buf := make([]byte, headerLen, headerLen+len(payload))
	copy(buf, codecMagic)
	buf[4] = codecVersion
	buf[5] = kind
	binary.BigEndian.PutUint64(buf[6:headerLen], xxhash.Sum64(payload))
	return append(buf, payload...), nil
}

// Decode restores a model produced by Encode. Any framing, checksum or
// payload problem returns an error wrapping models.ErrCacheCorruption.
func Decode(data []byte) (Model, error) {
	if len(data) < headerLen || !bytes.Equal(data[:4], codecMagic) {
		return nil, fmt.Errorf("%w: bad header", models.ErrCacheCorruption)
	}
	if data[4] != codecVersion {
		return nil, fmt.Errorf("%w: unsupported codec version %d", models.ErrCacheCorruption, data[4])
	}
	payload := data[headerLen:]
	if binary.BigEndian.Uint64(data[6:headerLen]) != xxhash.Sum64(payload) {
		return nil, fmt.Errorf("%w: checksum mismatch", models.ErrCacheCorruption)
	}

	var m Model
	switch data[5] {
	case kindIsolationForest:
		f := &IsolationForest{}
		if err := json.Unmarshal(payload, f); err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrCacheCorruption, err)
		}
		if err := f.check(); err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrCacheCorruption, err)
		}
		m = f
	case kindDensity:
		d := &DensityModel{}
		if err := json.Unmarshal(payload, d); err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrCacheCorruption, err)
		}
		if err := d.check(); err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrCacheCorruption, err)
		}
		m = d
	default:
		return nil, fmt.Errorf("%w: unknown model kind %d", models.ErrCacheCorruption, data[5])
	}
	return m, nil
}

// check guards Score against out-of-range child or feature indexes.
func (f *IsolationForest) check() error {
	if f.Dims <= 0 {
		return fmt.Errorf("forest has no dimensions")
	}
	for ti, t := range f.Trees {
		if len(t.Nodes) == 0 {
			return fmt.Errorf("tree %d is empty", ti)
		}
		for ni, n := range t.Nodes {
			if n.leaf() {
				continue
			}
			if n.Left <= ni || n.Right <= ni || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
				return fmt.Errorf("tree %d node %d has invalid children", ti, ni)
			}
			if n.Feature < 0 || n.Feature >= f.Dims {
				return fmt.Errorf("tree %d node %d has invalid feature", ti, ni)
			}
		}
	}
	return nil
}

func (m *DensityModel) check() error {
	if len(m.Mean) == 0 || len(m.Scale) != len(m.Mean) {
		return fmt.Errorf("density model has inconsistent dimensions")
	}
	for _, p := range m.Points {
		if len(p) != len(m.Mean) {
			return fmt.Errorf("density model point has wrong length")
		}
	}
	return nil
}
