package index

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"docrag/internal/domain"
)

// Compression selects how the index payload is stored on disk.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression maps a config string to a Compression. Empty selects none.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("%w: unknown compression %q", domain.ErrInvalidConfiguration, s)
	}
}

const (
	fileMagic   = "DRIX"
	fileVersion = 1
	// magic(4) version(u16) kind(u8) metric(u8) compression(u8) raw(u64) stored(u64) crc(u32)
	headerSize = 4 + 2 + 1 + 1 + 1 + 8 + 8 + 4
	// maxPayload bounds the decompressed size accepted by Load.
	maxPayload = 1 << 34
)

// ErrCorrupt reports an index file that fails header or checksum validation.
var ErrCorrupt = errors.New("index: corrupt file")

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// compress returns the stored bytes and the compression actually applied.
// Payloads that do not shrink are stored raw.
func compress(data []byte, c Compression) ([]byte, Compression, error) {
	if len(data) == 0 {
		return data, CompressionNone, nil
	}
	var out []byte
	switch c {
	case CompressionNone:
		return data, CompressionNone, nil
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("lz4: %w", err)
		}
		out = buf[:n]
	case CompressionZstd:
		enc := getZstdEncoder()
		out = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	default:
		return nil, 0, fmt.Errorf("%w: unknown compression %d", domain.ErrInvalidConfiguration, c)
	}
	if len(out) == 0 || len(out) >= len(data) {
		return data, CompressionNone, nil
	}
	return out, c, nil
}

func decompress(data []byte, c Compression, rawSize uint64) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionLZ4:
		out := make([]byte, rawSize)
		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, fmt.Errorf("lz4: %w", err)
		}
		return out[:n], nil
	case CompressionZstd:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		out, err := dec.DecodeAll(data, make([]byte, 0, rawSize))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown compression %d", ErrCorrupt, c)
	}
}

// Encode serializes ix with a self-describing header.
func Encode(ix Index, c Compression) ([]byte, error) {
	payload, err := ix.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal %s index: %w", ix.Kind(), err)
	}
	stored, used, err := compress(payload, c)
	if err != nil {
		return nil, err
	}
	out := make([]byte, headerSize, headerSize+len(stored))
	copy(out, fileMagic)
	binary.LittleEndian.PutUint16(out[4:], fileVersion)
	out[6] = uint8(ix.Kind())
	out[7] = uint8(ix.Metric())
	out[8] = uint8(used)
	binary.LittleEndian.PutUint64(out[9:], uint64(len(payload)))
	binary.LittleEndian.PutUint64(out[17:], uint64(len(stored)))
	binary.LittleEndian.PutUint32(out[25:], checksum(out, stored))
	return append(out, stored...), nil
}

// checksum covers the header fields before the crc slot and the stored payload.
func checksum(header, stored []byte) uint32 {
	return crc32.Update(crc32.ChecksumIEEE(header[:25]), crc32.IEEETable, stored)
}

// Decode restores an index written by Encode.
func Decode(data []byte) (Index, error) {
	if len(data) < headerSize || string(data[:4]) != fileMagic {
		return nil, fmt.Errorf("%w: bad header", ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint16(data[4:]); v != fileVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, v)
	}
	kind, metric, c := Kind(data[6]), Metric(data[7]), Compression(data[8])
	if kind != KindFlat && kind != KindVPTree {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrCorrupt, kind)
	}
	rawSize := binary.LittleEndian.Uint64(data[9:])
	storedSize := binary.LittleEndian.Uint64(data[17:])
	sum := binary.LittleEndian.Uint32(data[25:])
	stored := data[headerSize:]
	if uint64(len(stored)) != storedSize || rawSize > maxPayload {
		return nil, fmt.Errorf("%w: size mismatch", ErrCorrupt)
	}
	if c == CompressionNone && rawSize != storedSize {
		return nil, fmt.Errorf("%w: size mismatch", ErrCorrupt)
	}
	if checksum(data, stored) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	payload, err := decompress(stored, c, rawSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if uint64(len(payload)) != rawSize {
		return nil, fmt.Errorf("%w: payload is %d bytes, header says %d", ErrCorrupt, len(payload), rawSize)
	}
	ix, err := New(kind, metric)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := ix.UnmarshalBinary(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if ix.Metric() != metric {
		return nil, fmt.Errorf("%w: header metric %s, payload metric %s", ErrCorrupt, metric, ix.Metric())
	}
	return ix, nil
}

// Save writes ix to path atomically: a temp file in the same directory is
// synced and renamed over the target.
func Save(path string, ix Index, c Compression) error {
	data, err := Encode(ix, c)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// Load reads an index written by Save.
func Load(path string) (Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	ix, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return ix, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp index: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("write index: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("sync index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("close index: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("rename index: %w", err)
	}
	return nil
}
