package chunk

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/arborhealth/vitalstore/internal/record"
	"github.com/klauspost/compress/zstd"
)

// Compress walks the chunk's compression state machine forward:
// Uncompressed -> InProgress -> Compressed. It does not discard or rewrite
// the chunk's in-memory indexes — queries keep reading structured records
// directly, at full speed, regardless of compression state. What Compress
// records is a CompressionRatio, measured by running the chunk through the
// same Marshal-then-zstd encoding that PersistenceManager.WriteChunk uses
// for chunk files; the encoded bytes themselves are discarded. The ratio
// reflects the chunk's contents at the time of the call and is not updated
// by later appends.
//
// Calling Compress on an already-Compressed chunk is a no-op; calling it
// concurrently with itself or with Append is the caller's responsibility
// to serialize.
func (c *TimeChunk) Compress() error {
	if c.compressionState == Compressed {
		return nil
	}
	c.compressionState = InProgress

	raw, compressed, err := c.marshalAndCompress()
	if err != nil {
		c.compressionState = Uncompressed
		return fmt.Errorf("chunk: compress: %w", err)
	}

	if len(raw) > 0 {
		c.compressionRatio = float64(len(compressed)) / float64(len(raw))
	} else {
		c.compressionRatio = 1
	}
	c.compressionState = Compressed
	return nil
}

// Marshal serializes the chunk's indexes and metadata to a stable JSON form
// suitable for PersistenceManager to write to a chunk file. The secondary
// (resource type) index is not written explicitly — it is fully derivable
// from Primary's records and is rebuilt by Unmarshal — but every other
// field of Meta, including compression state and ratio, round-trips
// bit-for-bit, except the transient Dirty flag, which Unmarshal always
// leaves false.
func (c *TimeChunk) Marshal() ([]byte, error) {
	return json.Marshal(onDiskChunk{
		Start:            c.start,
		End:              c.end,
		CreatedAt:        c.createdAt,
		LastAccess:       c.lastAccess,
		RecordCount:      c.recordCount,
		CompressionState: c.compressionState,
		CompressionRatio: c.compressionRatio,
		Primary:          c.primary,
	})
}

// MarshalCompressed returns the zstd-compressed form of Marshal's output.
func (c *TimeChunk) MarshalCompressed() ([]byte, error) {
	raw, err := c.Marshal()
	if err != nil {
		return nil, err
	}
	return compressBytes(raw)
}

func (c *TimeChunk) marshalAndCompress() (raw, compressed []byte, err error) {
	raw, err = c.Marshal()
	if err != nil {
		return nil, nil, err
	}
	compressed, err = compressBytes(raw)
	if err != nil {
		return nil, nil, err
	}
	return raw, compressed, nil
}

func compressBytes(raw []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("chunk: new zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(raw, make([]byte, 0, len(raw))), nil
}

func decompressBytes(compressed []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("chunk: new zstd decoder: %w", err)
	}
	defer dec.Close()
	return dec.DecodeAll(compressed, nil)
}

// Unmarshal reconstructs a chunk's indexes from bytes produced by Marshal.
// The secondary (resource type) index is rebuilt from the decoded records
// rather than persisted, since it is fully derivable from them.
func Unmarshal(data []byte) (*TimeChunk, error) {
	var disk onDiskChunk
	if err := json.Unmarshal(data, &disk); err != nil {
		return nil, fmt.Errorf("chunk: unmarshal: %w", err)
	}

	c := New(disk.Start, disk.End, disk.CreatedAt)
	c.lastAccess = disk.LastAccess
	c.compressionState = disk.CompressionState
	c.compressionRatio = disk.CompressionRatio
	for metric, recs := range disk.Primary {
		c.primary[metric] = recs
		c.recordCount += len(recs)
		for _, r := range recs {
			if r.ResourceType == "" {
				continue
			}
			set, ok := c.secondary[r.ResourceType]
			if !ok {
				set = make(map[string]struct{})
				c.secondary[r.ResourceType] = set
			}
			set[metric] = struct{}{}
		}
	}
	c.dirty = false
	return c, nil
}

// UnmarshalCompressed decompresses data with zstd before decoding it as a
// chunk, mirroring MarshalCompressed.
func UnmarshalCompressed(data []byte) (*TimeChunk, error) {
	raw, err := decompressBytes(data)
	if err != nil {
		return nil, fmt.Errorf("chunk: decompress: %w", err)
	}
	return Unmarshal(raw)
}

type onDiskChunk struct {
	Start            int64                      `json:"start"`
	End              int64                      `json:"end"`
	CreatedAt        time.Time                  `json:"created_at"`
	LastAccess       time.Time                  `json:"last_access"`
	RecordCount      int                        `json:"record_count"`
	CompressionState CompressionState           `json:"compression_state"`
	CompressionRatio float64                    `json:"compression_ratio"`
	Primary          map[string][]record.Record `json:"primary"`
}
