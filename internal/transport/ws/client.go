package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"voxelstream.ai/internal/protocol"
	"voxelstream.ai/internal/sim/world/terrain/store"
)

// ErrEvicted is returned by Run when the server dropped the session because it
// could not keep up with block edits. The local cache may be stale; callers
// should resync and dial again.
var ErrEvicted = errors.New("evicted by server")

// Sink receives what the server streams. *world.World implements it.
type Sink interface {
	ReceiveChunk(c *store.Chunk)
	ApplyBlockEdits(key int64, edits []store.BlockEdit) int
}

type ClientOptions struct {
	Name     string
	Zstd     bool
	MaxQueue int
}

type ClientStats struct {
	ChunksReceived  uint64
	ColumnsDone     uint64
	EditsApplied    uint64
	RequestsDropped uint64
	Errors          uint64
}

// Client is the producer side of a streaming scheduler: RequestColumn never
// blocks, and arrivals are delivered to the Sink from the read loop.
type Client struct {
	conn    *websocket.Conn
	codec   *protocol.ChunkCodec
	log     *log.Logger
	welcome protocol.WelcomeMsg

	out chan []byte

	mu            sync.Mutex
	onUndelivered func(key int64)
	onError       func(e protocol.ErrorMsg)

	chunks   atomic.Uint64
	columns  atomic.Uint64
	edits    atomic.Uint64
	dropped  atomic.Uint64
	errCount atomic.Uint64

	closeOnce sync.Once
}

// Dial connects and completes the HELLO/WELCOME handshake.
func Dial(ctx context.Context, url string, opts ClientOptions, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if opts.MaxQueue <= 0 {
		opts.MaxQueue = 256
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      opts.Name,
		Capabilities: protocol.HelloCapabilities{
			Zstd:     opts.Zstd,
			MaxQueue: opts.MaxQueue,
		},
	}
	if err := conn.WriteJSON(hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send HELLO: %w", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read WELCOME: %w", err)
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("decode handshake reply: %w", err)
	}
	if base.Type != protocol.TypeWelcome {
		conn.Close()
		return nil, fmt.Errorf("expected WELCOME, got %q", base.Type)
	}
	var welcome protocol.WelcomeMsg
	if err := json.Unmarshal(msg, &welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("decode WELCOME: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	codec, err := protocol.NewChunkCodec()
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Client{
		conn:    conn,
		codec:   codec,
		log:     logger,
		welcome: welcome,
		out:     make(chan []byte, opts.MaxQueue),
	}, nil
}

func (c *Client) Welcome() protocol.WelcomeMsg { return c.welcome }

// OnUndelivered registers fn to be called with a column key whose request was
// dropped because the outbound queue was full.
func (c *Client) OnUndelivered(fn func(key int64)) {
	c.mu.Lock()
	c.onUndelivered = fn
	c.mu.Unlock()
}

// OnError registers fn for ERROR messages from the server.
func (c *Client) OnError(fn func(e protocol.ErrorMsg)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// RequestColumn queues a REQUEST_COLUMN without blocking.
func (c *Client) RequestColumn(key int64) {
	b, _ := json.Marshal(protocol.RequestColumnMsg{
		Type:            protocol.TypeRequestColumn,
		ProtocolVersion: protocol.Version,
		Key:             key,
	})
	select {
	case c.out <- b:
		return
	default:
	}
	c.dropped.Add(1)
	c.log.Printf("warn: request queue full; column %d not requested", key)
	c.mu.Lock()
	fn := c.onUndelivered
	c.mu.Unlock()
	if fn != nil {
		fn(key)
	}
}

// SetBlock asks the server to write a block. The change comes back as
// BLOCK_EDITS, to this client and every other session.
func (c *Client) SetBlock(ctx context.Context, p store.Vec3i, b store.Block) error {
	msg, _ := json.Marshal(protocol.SetBlockMsg{
		Type:            protocol.TypeSetBlock,
		ProtocolVersion: protocol.Version,
		Pos:             [3]int{p.X, p.Y, p.Z},
		Block:           int32(b),
	})
	select {
	case c.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) Stats() ClientStats {
	return ClientStats{
		ChunksReceived:  c.chunks.Load(),
		ColumnsDone:     c.columns.Load(),
		EditsApplied:    c.edits.Load(),
		RequestsDropped: c.dropped.Load(),
		Errors:          c.errCount.Load(),
	}
}

// Run pumps messages until ctx is cancelled or the connection fails.
func (c *Client) Run(ctx context.Context, sink Sink) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case b := <-c.out:
				_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
					return fmt.Errorf("write: %w", err)
				}
			}
		}
	})

	g.Go(func() error {
		for {
			kind, msg, err := c.conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if websocket.IsCloseError(err, CloseEditBacklog) {
					return fmt.Errorf("%w: %v", ErrEvicted, err)
				}
				return fmt.Errorf("read: %w", err)
			}
			if kind == websocket.BinaryMessage {
				ch, err := c.codec.Decode(msg)
				if err != nil {
					c.log.Printf("warn: bad chunk frame: %v", err)
					continue
				}
				c.chunks.Add(1)
				sink.ReceiveChunk(ch)
				continue
			}
			c.handleText(sink, msg)
		}
	})

	// Unblock the reader when the group is done.
	g.Go(func() error {
		<-ctx.Done()
		c.Close()
		return nil
	})

	return g.Wait()
}

func (c *Client) handleText(sink Sink, msg []byte) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return
	}
	switch base.Type {
	case protocol.TypeColumnDone:
		c.columns.Add(1)

	case protocol.TypeBlockEdits:
		var m protocol.BlockEditsMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return
		}
		edits := make([]store.BlockEdit, 0, len(m.Edits))
		for _, e := range m.Edits {
			edits = append(edits, store.BlockEdit{
				Pos:   store.Vec3i{X: e.Pos[0], Y: e.Pos[1], Z: e.Pos[2]},
				Block: store.Block(e.Block),
			})
		}
		n := sink.ApplyBlockEdits(m.Key, edits)
		c.edits.Add(uint64(n))

	case protocol.TypeError:
		var m protocol.ErrorMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return
		}
		c.errCount.Add(1)
		c.log.Printf("server error %s: %s", m.Code, m.Message)
		c.mu.Lock()
		fn := c.onError
		c.mu.Unlock()
		if fn != nil {
			fn(m)
		}
	}
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = c.conn.Close()
		c.codec.Close()
	})
	return err
}
