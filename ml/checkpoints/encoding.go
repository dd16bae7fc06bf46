package checkpoints

import (
	"bytes"
	"encoding/binary"
	"math"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/jdecid/FaceGen/ml/nn"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"google.golang.org/protobuf/encoding/protowire"
)

// Magic prefixes every checkpoint file.
const Magic = "FGCKPT1\n"

// Field numbers of the checkpoint message.
const (
	fieldFamily  protowire.Number = 1
	fieldRunTag  protowire.Number = 2
	fieldEpoch   protowire.Number = 3
	fieldSession protowire.Number = 4
	fieldCreated protowire.Number = 5
	fieldConfig  protowire.Number = 6
	fieldWeight  protowire.Number = 7
)

// Field numbers of the weight message.
const (
	weightName  protowire.Number = 1
	weightKind  protowire.Number = 2
	weightRole  protowire.Number = 3
	weightDims  protowire.Number = 4
	weightDType protowire.Number = 5
	weightData  protowire.Number = 6
)

// Encode serializes the checkpoint, storing the values with the given dtype (Float32 or Float16).
func Encode(c *Checkpoint, dtype dtypes.DType) ([]byte, error) {
	if dtype != dtypes.Float32 && dtype != dtypes.Float16 {
		return nil, errors.Errorf("checkpoints can be encoded as float32 or float16, not %s", dtype)
	}
	b := []byte(Magic)
	b = protowire.AppendTag(b, fieldFamily, protowire.BytesType)
	b = protowire.AppendString(b, c.Family)
	b = protowire.AppendTag(b, fieldRunTag, protowire.BytesType)
	b = protowire.AppendString(b, c.RunTag)
	b = protowire.AppendTag(b, fieldEpoch, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Epoch))
	if c.Session != "" {
		b = protowire.AppendTag(b, fieldSession, protowire.BytesType)
		b = protowire.AppendString(b, c.Session)
	}
	if !c.Created.IsZero() {
		b = protowire.AppendTag(b, fieldCreated, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c.Created.UnixNano()))
	}
	if len(c.Config) > 0 {
		b = protowire.AppendTag(b, fieldConfig, protowire.BytesType)
		b = protowire.AppendBytes(b, c.Config)
	}
	for _, w := range c.Weights {
		b = protowire.AppendTag(b, fieldWeight, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeWeight(w, dtype))
	}
	return b, nil
}

func encodeWeight(w *Weight, dtype dtypes.DType) []byte {
	var b []byte
	b = protowire.AppendTag(b, weightName, protowire.BytesType)
	b = protowire.AppendString(b, w.Name)
	b = protowire.AppendTag(b, weightKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(w.Kind))
	b = protowire.AppendTag(b, weightRole, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(w.Role))
	if len(w.Dims) > 0 {
		var packed []byte
		for _, d := range w.Dims {
			packed = protowire.AppendVarint(packed, uint64(d))
		}
		b = protowire.AppendTag(b, weightDims, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	b = protowire.AppendTag(b, weightDType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(dtype))

	var data []byte
	if dtype == dtypes.Float16 {
		data = make([]byte, 2*len(w.Values))
		for i, v := range w.Values {
			binary.LittleEndian.PutUint16(data[2*i:], float16.Fromfloat32(v).Bits())
		}
	} else {
		data = make([]byte, 4*len(w.Values))
		for i, v := range w.Values {
			binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
		}
	}
	b = protowire.AppendTag(b, weightData, protowire.BytesType)
	return protowire.AppendBytes(b, data)
}

// Decode parses a checkpoint serialized by Encode. Unknown fields are skipped.
func Decode(blob []byte) (*Checkpoint, error) {
	if !bytes.HasPrefix(blob, []byte(Magic)) {
		return nil, errors.New("not a checkpoint file: missing magic prefix")
	}
	b := blob[len(Magic):]
	c := &Checkpoint{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "corrupt checkpoint")
		}
		b = b[n:]
		switch {
		case num == fieldFamily && typ == protowire.BytesType:
			c.Family, n = protowire.ConsumeString(b)
		case num == fieldRunTag && typ == protowire.BytesType:
			c.RunTag, n = protowire.ConsumeString(b)
		case num == fieldSession && typ == protowire.BytesType:
			c.Session, n = protowire.ConsumeString(b)
		case num == fieldEpoch && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			c.Epoch = int(v)
		case num == fieldCreated && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			c.Created = time.Unix(0, int64(v))
		case num == fieldConfig && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			c.Config = bytes.Clone(v)
		case num == fieldWeight && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				w, err := decodeWeight(v)
				if err != nil {
					return nil, errors.WithMessagef(err, "weight #%d", len(c.Weights))
				}
				c.Weights = append(c.Weights, w)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, errors.Wrapf(protowire.ParseError(n), "corrupt checkpoint field %d", num)
		}
		b = b[n:]
	}
	return c, nil
}

func decodeWeight(b []byte) (*Weight, error) {
	w := &Weight{}
	dtype := dtypes.Float32
	var data []byte
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == weightName && typ == protowire.BytesType:
			w.Name, n = protowire.ConsumeString(b)
		case num == weightKind && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			w.Kind = nn.Kind(v)
		case num == weightRole && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			w.Role = nn.Role(v)
		case num == weightDType && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			dtype = dtypes.DType(v)
		case num == weightDims && typ == protowire.BytesType:
			var packed []byte
			packed, n = protowire.ConsumeBytes(b)
			for len(packed) > 0 {
				d, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return nil, protowire.ParseError(m)
				}
				w.Dims = append(w.Dims, int(d))
				packed = packed[m:]
			}
		case num == weightData && typ == protowire.BytesType:
			data, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
	}

	size := 1
	for _, d := range w.Dims {
		size *= d
	}
	switch dtype {
	case dtypes.Float32:
		if len(data) != 4*size {
			return nil, errors.Errorf("variable %q: %d bytes of float32 data for shape %v", w.Name, len(data), w.Dims)
		}
		w.Values = make([]float32, size)
		for i := range w.Values {
			w.Values[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
		}
	case dtypes.Float16:
		if len(data) != 2*size {
			return nil, errors.Errorf("variable %q: %d bytes of float16 data for shape %v", w.Name, len(data), w.Dims)
		}
		w.Values = make([]float32, size)
		for i := range w.Values {
			w.Values[i] = float16.Frombits(binary.LittleEndian.Uint16(data[2*i:])).Float32()
		}
	default:
		return nil, errors.Errorf("variable %q: unsupported encoding dtype %s", w.Name, dtype)
	}
	return w, nil
}
