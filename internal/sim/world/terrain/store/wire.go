package store

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// WireSize is the encoded length of one chunk: ChunkVolume int32 blocks and the
// int64 key, little endian.
const WireSize = ChunkVolume*4 + 8

var ErrShortPayload = errors.New("chunk payload too short")

// MarshalBinary encodes the block grid in x (outermost), y, z (innermost) order
// followed by the key.
func (c *Chunk) MarshalBinary() ([]byte, error) {
	return c.AppendBinary(make([]byte, 0, WireSize))
}

func (c *Chunk) AppendBinary(dst []byte) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for x := 0; x < ChunkSize; x++ {
		for y := 0; y < ChunkSize; y++ {
			for z := 0; z < ChunkSize; z++ {
				dst = binary.LittleEndian.AppendUint32(dst, uint32(c.blocks[x][y][z]))
			}
		}
	}
	return binary.LittleEndian.AppendUint64(dst, uint64(c.key)), nil
}

// UnmarshalBinary replaces the grid and key with the payload contents.
func (c *Chunk) UnmarshalBinary(b []byte) error {
	if len(b) < WireSize {
		return fmt.Errorf("%w: got %d bytes want %d", ErrShortPayload, len(b), WireSize)
	}
	c.mu.Lock()
	i := 0
	for x := 0; x < ChunkSize; x++ {
		for y := 0; y < ChunkSize; y++ {
			for z := 0; z < ChunkSize; z++ {
				c.blocks[x][y][z] = Block(int32(binary.LittleEndian.Uint32(b[i:])))
				i += 4
			}
		}
	}
	c.mu.Unlock()
	c.SetKey(int64(binary.LittleEndian.Uint64(b[i:])))
	return nil
}

// DecodeChunk builds a fresh chunk from a wire payload.
func DecodeChunk(b []byte) (*Chunk, error) {
	c := &Chunk{}
	if err := c.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return c, nil
}
