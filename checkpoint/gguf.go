package checkpoint

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/pdevine/tensor"
	"github.com/x448/float16"

	"github.com/portrayml/portray/nn"
)

// GGUF v3 container, restricted to what checkpoints need: a couple of
// metadata keys and float tensors. Dimensions are stored innermost-first
// per the container convention.

const (
	ggufMagic     = "GGUF"
	ggufVersion   = uint32(3)
	ggufAlignment = uint64(32)

	ggufTypeUint8   = uint32(0)
	ggufTypeInt8    = uint32(1)
	ggufTypeUint16  = uint32(2)
	ggufTypeInt16   = uint32(3)
	ggufTypeUint32  = uint32(4)
	ggufTypeInt32   = uint32(5)
	ggufTypeFloat32 = uint32(6)
	ggufTypeBool    = uint32(7)
	ggufTypeString  = uint32(8)
	ggufTypeArray   = uint32(9)
	ggufTypeUint64  = uint32(10)
	ggufTypeInt64   = uint32(11)
	ggufTypeFloat64 = uint32(12)

	tensorTypeF32  = uint32(0)
	tensorTypeF16  = uint32(1)
	tensorTypeBF16 = uint32(30)
)

type tensorInfo struct {
	name   string
	dims   []uint64 // innermost first
	kind   uint32
	offset uint64
}

func writeGGUF(w io.Writer, ckpt *Checkpoint) error {
	var infos []tensorInfo
	var data []*tensor.Dense
	for _, g := range ckpt.groups() {
		if g.state == nil {
			continue
		}
		for _, key := range slices.Sorted(maps.Keys(g.state)) {
			t := g.state[key]
			shape := t.Shape()
			dims := make([]uint64, len(shape))
			for i, d := range shape {
				dims[len(shape)-1-i] = uint64(d)
			}
			infos = append(infos, tensorInfo{
				name: g.prefix + "." + key,
				dims: dims,
				kind: tensorTypeF32,
			})
			data = append(data, t)
		}
	}

	if _, err := w.Write([]byte(ggufMagic)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, ggufVersion); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(infos))); err != nil {
		return err
	}
	// KV count
	if err := binary.Write(w, binary.LittleEndian, uint64(2)); err != nil {
		return err
	}
	if err := writeKVString(w, "general.architecture", "portray"); err != nil {
		return err
	}
	if err := writeKVUint32(w, "general.alignment", uint32(ggufAlignment)); err != nil {
		return err
	}

	var offset uint64
	for i := range infos {
		infos[i].offset = offset
		slog.Debug("checkpoint tensor", "name", infos[i].name, "dims", infos[i].dims, "offset", offset)
		if err := writeTensorInfo(w, infos[i]); err != nil {
			return err
		}
		size := uint64(4)
		for _, d := range infos[i].dims {
			size *= d
		}
		offset += size + padding(size, ggufAlignment)
	}

	// Pad to the data section alignment.
	if err := writePadding(w, uint64(headerSize(infos)), ggufAlignment); err != nil {
		return err
	}
	for _, t := range data {
		values := nn.Floats(t)
		if err := binary.Write(w, binary.LittleEndian, values); err != nil {
			return err
		}
		if err := writePadding(w, uint64(4*len(values)), ggufAlignment); err != nil {
			return err
		}
	}
	return nil
}

// headerSize computes the byte size of everything before the data
// section, so the section start can be aligned.
func headerSize(infos []tensorInfo) int {
	n := 4 + 4 + 8 + 8 // magic, version, tensor count, kv count
	n += kvStringSize("general.architecture", "portray")
	n += kvUint32Size("general.alignment")
	for _, info := range infos {
		n += 8 + len(info.name) + 4 + 8*len(info.dims) + 4 + 8
	}
	return n
}

func kvStringSize(key, value string) int { return 8 + len(key) + 4 + 8 + len(value) }
func kvUint32Size(key string) int        { return 8 + len(key) + 4 + 4 }

func padding(n, align uint64) uint64 {
	return (align - n%align) % align
}

func writePadding(w io.Writer, n, align uint64) error {
	if pad := padding(n, align); pad > 0 {
		_, err := w.Write(make([]byte, pad))
		return err
	}
	return nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func writeKVString(w io.Writer, key, value string) error {
	if err := writeString(w, key); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, ggufTypeString); err != nil {
		return err
	}
	return writeString(w, value)
}

func writeKVUint32(w io.Writer, key string, value uint32) error {
	if err := writeString(w, key); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, ggufTypeUint32); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, value)
}

func writeTensorInfo(w io.Writer, info tensorInfo) error {
	if err := writeString(w, info.name); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(info.dims))); err != nil {
		return err
	}
	for _, d := range info.dims {
		if err := binary.Write(w, binary.LittleEndian, d); err != nil {
			return err
		}
	}
	if err := binary.Write(w, binary.LittleEndian, info.kind); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, info.offset)
}

func readGGUF(r io.ReadSeeker) (map[string]*tensor.Dense, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, err
	}
	if string(magic) != ggufMagic {
		return nil, fmt.Errorf("not a GGUF file (magic %q)", magic)
	}
	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, err
	}
	if version != ggufVersion {
		return nil, fmt.Errorf("unsupported GGUF version %d", version)
	}
	var tensorCount, kvCount uint64
	if err := binary.Read(r, binary.LittleEndian, &tensorCount); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &kvCount); err != nil {
		return nil, err
	}

	alignment := ggufAlignment
	for i := uint64(0); i < kvCount; i++ {
		key, value, err := readKV(r)
		if err != nil {
			return nil, err
		}
		if key == "general.alignment" {
			if v, ok := value.(uint32); ok && v > 0 {
				alignment = uint64(v)
			}
		}
	}

	infos := make([]tensorInfo, tensorCount)
	for i := range infos {
		info, err := readTensorInfo(r)
		if err != nil {
			return nil, err
		}
		infos[i] = info
	}

	// Data section starts at the next alignment boundary.
	pos, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	base := uint64(pos) + padding(uint64(pos), alignment)

	out := make(map[string]*tensor.Dense, len(infos))
	for _, info := range infos {
		if _, err := r.Seek(int64(base+info.offset), io.SeekStart); err != nil {
			return nil, err
		}
		t, err := readTensorData(r, info)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", info.name, err)
		}
		out[info.name] = t
	}
	return out, nil
}

func readTensorData(r io.Reader, info tensorInfo) (*tensor.Dense, error) {
	n := 1
	shape := make([]int, len(info.dims))
	for i, d := range info.dims {
		shape[len(info.dims)-1-i] = int(d)
		n *= int(d)
	}

	var data []float32
	switch info.kind {
	case tensorTypeF32:
		data = make([]float32, n)
		if err := binary.Read(r, binary.LittleEndian, data); err != nil {
			return nil, err
		}
	case tensorTypeF16:
		bits := make([]uint16, n)
		if err := binary.Read(r, binary.LittleEndian, bits); err != nil {
			return nil, err
		}
		data = make([]float32, n)
		for i, b := range bits {
			data[i] = float16.Frombits(b).Float32()
		}
	case tensorTypeBF16:
		raw := make([]byte, n*2)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, err
		}
		data = bfloat16.DecodeFloat32(raw)
	default:
		return nil, fmt.Errorf("unsupported tensor type %d", info.kind)
	}
	return nn.FromSlice(data, shape...)
}

func readString(r io.Reader) (string, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	if n > 1<<20 {
		return "", fmt.Errorf("string of %d bytes is implausibly large", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readKV(r io.Reader) (string, any, error) {
	key, err := readString(r)
	if err != nil {
		return "", nil, err
	}
	var kind uint32
	if err := binary.Read(r, binary.LittleEndian, &kind); err != nil {
		return "", nil, err
	}
	value, err := readKVValue(r, kind)
	if err != nil {
		return "", nil, fmt.Errorf("key %s: %w", key, err)
	}
	return key, value, nil
}

func readKVValue(r io.Reader, kind uint32) (any, error) {
	switch kind {
	case ggufTypeUint8:
		var v uint8
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeInt8:
		var v int8
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeUint16:
		var v uint16
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeInt16:
		var v int16
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeUint32:
		var v uint32
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeInt32:
		var v int32
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeFloat32:
		var v float32
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeBool:
		var v uint8
		err := binary.Read(r, binary.LittleEndian, &v)
		return v != 0, err
	case ggufTypeString:
		return readString(r)
	case ggufTypeUint64:
		var v uint64
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeInt64:
		var v int64
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeFloat64:
		var v float64
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeArray:
		var elemKind uint32
		if err := binary.Read(r, binary.LittleEndian, &elemKind); err != nil {
			return nil, err
		}
		var n uint64
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, err
		}
		values := make([]any, n)
		for i := range values {
			v, err := readKVValue(r, elemKind)
			if err != nil {
				return nil, err
			}
			values[i] = v
		}
		return values, nil
	default:
		return nil, fmt.Errorf("unsupported metadata type %d", kind)
	}
}

func readTensorInfo(r io.Reader) (tensorInfo, error) {
	var info tensorInfo
	name, err := readString(r)
	if err != nil {
		return info, err
	}
	info.name = name
	var nDims uint32
	if err := binary.Read(r, binary.LittleEndian, &nDims); err != nil {
		return info, err
	}
	if nDims > 8 {
		return info, fmt.Errorf("tensor %s has %d dimensions", name, nDims)
	}
	info.dims = make([]uint64, nDims)
	for i := range info.dims {
		if err := binary.Read(r, binary.LittleEndian, &info.dims[i]); err != nil {
			return info, err
		}
	}
	if err := binary.Read(r, binary.LittleEndian, &info.kind); err != nil {
		return info, err
	}
	if err := binary.Read(r, binary.LittleEndian, &info.offset); err != nil {
		return info, err
	}
	return info, nil
}
