package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"voxelstream.ai/internal/protocol"
	"voxelstream.ai/internal/sim/world/terrain/store"
)

// Producer builds every chunk of a column on demand.
type Producer interface {
	Column(key int64) []*store.Chunk
	ColumnHeight() int
}

type outMsg struct {
	binary bool
	data   []byte
}

type session struct {
	id   string
	zstd bool
	out  chan outMsg

	kick     func()
	kickOnce sync.Once
}

// evict disconnects the session once. The client has to reconnect and
// re-stream its columns.
func (sess *session) evict() {
	sess.kickOnce.Do(func() {
		if sess.kick != nil {
			sess.kick()
		}
	})
}

// CloseEditBacklog is the close code sent to a session that fell too far behind
// to receive BLOCK_EDITS.
const CloseEditBacklog = websocket.CloseTryAgainLater

// Server answers column requests from an authoritative chunk cache that is
// filled lazily by the producer, and fans block edits out to every session.
type Server struct {
	cache  *store.ChunkCache
	prod   Producer
	params protocol.WorldParams
	codec  *protocol.ChunkCodec
	log    *log.Logger

	upgrader websocket.Upgrader

	genMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]*session

	sub *store.Subscription
}

func NewServer(prod Producer, params protocol.WorldParams, logger *log.Logger) (*Server, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	codec, err := protocol.NewChunkCodec()
	if err != nil {
		return nil, err
	}
	params.ChunkSize = store.ChunkSize
	params.ColumnHeight = prod.ColumnHeight()
	s := &Server{
		cache:    store.NewChunkCache(),
		prod:     prod,
		params:   params,
		codec:    codec,
		log:      logger,
		sessions: map[string]*session{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	s.sub = s.cache.Subscribe(store.HandlerFuncs{Changed: s.broadcastEdits})
	return s, nil
}

// Cache exposes the authoritative cache.
func (s *Server) Cache() *store.ChunkCache { return s.cache }

func (s *Server) Close() {
	s.sub.Unsubscribe()
	s.codec.Close()
}

func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sess := s.handshake(conn)
		if sess == nil {
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		sess.kick = func() {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(CloseEditBacklog, "edit backlog"), time.Now().Add(time.Second))
			cancel()
			_ = conn.Close()
		}

		s.mu.Lock()
		s.sessions[sess.id] = sess
		s.mu.Unlock()
		s.log.Printf("session %s joined zstd=%v", sess.id, sess.zstd)

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case m := <-sess.out:
					kind := websocket.TextMessage
					if m.binary {
						kind = websocket.BinaryMessage
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(kind, m.data); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			if err := s.handle(ctx, sess, msg); err != nil {
				break
			}
		}

		// Cleanup.
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()
		s.log.Printf("session %s left", sess.id)
	}
}

func (s *Server) handshake(conn *websocket.Conn) *session {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = writeJSON(conn, protocol.NewError(protocol.ErrProtoVersion, "bad protocol_version"))
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return nil
	}

	maxQ := hello.Capabilities.MaxQueue
	if maxQ <= 0 {
		maxQ = 64
	}
	if maxQ > 1024 {
		maxQ = 1024
	}
	sess := &session{
		id:   uuid.NewString(),
		zstd: hello.Capabilities.Zstd,
		out:  make(chan outMsg, maxQ),
	}
	welcome := protocol.WelcomeMsg{
		Type:               protocol.TypeWelcome,
		ProtocolVersion:    protocol.Version,
		SessionID:          sess.id,
		WorldParams:        s.params,
		ServerCapabilities: protocol.ServerCapabilities{Zstd: true},
	}
	if err := writeJSON(conn, welcome); err != nil {
		return nil
	}
	return sess
}

var errSessionGone = errors.New("session closed")

func (s *Server) handle(ctx context.Context, sess *session, msg []byte) error {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return s.sendError(ctx, sess, protocol.NewError(protocol.ErrProtoBadRequest, "bad json"))
	}
	switch base.Type {
	case protocol.TypeRequestColumn:
		var req protocol.RequestColumnMsg
		if err := json.Unmarshal(msg, &req); err != nil {
			return s.sendError(ctx, sess, protocol.NewError(protocol.ErrProtoBadRequest, "bad REQUEST_COLUMN"))
		}
		return s.serveColumn(ctx, sess, req.Key)

	case protocol.TypeSetBlock:
		var req protocol.SetBlockMsg
		if err := json.Unmarshal(msg, &req); err != nil {
			return s.sendError(ctx, sess, protocol.NewError(protocol.ErrProtoBadRequest, "bad SET_BLOCK"))
		}
		p := store.Vec3i{X: req.Pos[0], Y: req.Pos[1], Z: req.Pos[2]}
		if !inKeyRange(p) {
			return s.sendError(ctx, sess, protocol.NewError(protocol.ErrOutOfBounds, "position outside world"))
		}
		// Broadcast happens through the cache change subscription.
		if !s.cache.SetBlockAt(p, store.Block(req.Block)) {
			e := protocol.NewError(protocol.ErrNotLoaded, "chunk not resident")
			e.Key = store.Encode(p)
			return s.sendError(ctx, sess, e)
		}
		return nil
	}
	return s.sendError(ctx, sess, protocol.NewError(protocol.ErrProtoBadRequest, "unknown type "+base.Type))
}

// inKeyRange reports whether p's chunk coordinates fit the 16-bit key fields.
func inKeyRange(p store.Vec3i) bool {
	c := store.ChunkCoord(p)
	for _, v := range [3]int{c.X, c.Y, c.Z} {
		if v < math.MinInt16 || v > math.MaxInt16 {
			return false
		}
	}
	return true
}

// ensureColumn generates the column once; later requests reuse resident chunks
// so edits survive.
func (s *Server) ensureColumn(key int64) []*store.Chunk {
	base := store.Decode(key)
	h := s.prod.ColumnHeight()

	s.genMu.Lock()
	if !s.cache.Contains(store.ColumnKey(base)) {
		for _, c := range s.prod.Column(key) {
			s.cache.Add(c)
		}
	}
	s.genMu.Unlock()

	out := make([]*store.Chunk, 0, h)
	for cy := 0; cy < h; cy++ {
		if c, ok := s.cache.Get(store.Encode(store.Vec3i{X: base.X, Y: cy * store.ChunkSize, Z: base.Z})); ok {
			out = append(out, c)
		}
	}
	return out
}

func (s *Server) serveColumn(ctx context.Context, sess *session, key int64) error {
	chunks := s.ensureColumn(key)
	for _, c := range chunks {
		frame, err := s.codec.Encode(c, sess.zstd)
		if err != nil {
			s.log.Printf("encode chunk %d: %v", c.Key(), err)
			return s.sendError(ctx, sess, protocol.NewError(protocol.ErrInternal, "encode chunk"))
		}
		if err := send(ctx, sess, outMsg{binary: true, data: frame}); err != nil {
			return err
		}
	}
	b, _ := json.Marshal(protocol.ColumnDoneMsg{
		Type:            protocol.TypeColumnDone,
		ProtocolVersion: protocol.Version,
		Key:             key,
		Chunks:          len(chunks),
	})
	return send(ctx, sess, outMsg{data: b})
}

func (s *Server) sendError(ctx context.Context, sess *session, e protocol.ErrorMsg) error {
	b, _ := json.Marshal(e)
	return send(ctx, sess, outMsg{data: b})
}

// send blocks until the writer accepts m, applying backpressure to the reader.
func send(ctx context.Context, sess *session, m outMsg) error {
	select {
	case sess.out <- m:
		return nil
	case <-ctx.Done():
		return errSessionGone
	}
}

func (s *Server) broadcastEdits(c *store.Chunk, positions []store.Vec3i) {
	msg := protocol.BlockEditsMsg{
		Type:            protocol.TypeBlockEdits,
		ProtocolVersion: protocol.Version,
		Key:             c.Key(),
		Edits:           make([]protocol.BlockEdit, 0, len(positions)),
	}
	for _, p := range positions {
		msg.Edits = append(msg.Edits, protocol.BlockEdit{Pos: [3]int{p.X, p.Y, p.Z}, Block: int32(c.GetWorld(p))})
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}

	var slow []*session
	s.mu.Lock()
	for _, sess := range s.sessions {
		select {
		case sess.out <- outMsg{data: b}:
		default:
			slow = append(slow, sess)
		}
	}
	s.mu.Unlock()

	// A session that misses an edit would keep the stale block for as long as
	// the column stays resident on its side, so it is disconnected instead.
	for _, sess := range slow {
		s.log.Printf("warn: session %s: BLOCK_EDITS backlog for chunk %d; closing session", sess.id, c.Key())
		sess.evict()
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
