package protocol

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"voxelstream.ai/internal/sim/world/terrain/store"
)

// Chunk frames are binary websocket messages: one kind byte, then the chunk
// wire payload (raw or zstd-compressed).
const (
	FrameChunkRaw  byte = 0x01
	FrameChunkZstd byte = 0x02
)

var ErrUnknownFrame = errors.New("unknown chunk frame kind")

// ChunkCodec encodes and decodes chunk frames. EncodeAll/DecodeAll on the
// underlying zstd coders are safe for concurrent use.
type ChunkCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func NewChunkCodec() (*ChunkCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, err
	}
	return &ChunkCodec{enc: enc, dec: dec}, nil
}

func (c *ChunkCodec) Close() {
	_ = c.enc.Close()
	c.dec.Close()
}

func (c *ChunkCodec) Encode(ch *store.Chunk, compress bool) ([]byte, error) {
	payload, err := ch.AppendBinary(make([]byte, 1, store.WireSize+1))
	if err != nil {
		return nil, err
	}
	if !compress {
		payload[0] = FrameChunkRaw
		return payload, nil
	}
	out := make([]byte, 1, 1024)
	out[0] = FrameChunkZstd
	return c.enc.EncodeAll(payload[1:], out), nil
}

func (c *ChunkCodec) Decode(frame []byte) (*store.Chunk, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("empty frame: %w", store.ErrShortPayload)
	}
	switch frame[0] {
	case FrameChunkRaw:
		return store.DecodeChunk(frame[1:])
	case FrameChunkZstd:
		raw, err := c.dec.DecodeAll(frame[1:], make([]byte, 0, store.WireSize))
		if err != nil {
			return nil, fmt.Errorf("zstd chunk frame: %w", err)
		}
		return store.DecodeChunk(raw)
	}
	return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownFrame, frame[0])
}
