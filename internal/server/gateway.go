package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/TidewaterLabs/concord/backend/internal/crdt"
	"github.com/TidewaterLabs/concord/backend/internal/documents"
	"github.com/TidewaterLabs/concord/backend/internal/engine"
	"github.com/TidewaterLabs/concord/backend/internal/sessions"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	MessageJoinDocument   = "join-document"
	MessageSyncDocument   = "sync-document"
	MessageLeaveDocument  = "leave-document"
	MessageDocumentState  = "document-state"
	MessageDocumentUpdate = "document-update"
	MessageError          = "error"
)

const (
	ErrorCodeInvalidMessage   = "invalid_message"
	ErrorCodeUserMismatch     = "user_mismatch"
	ErrorCodeNotSubscribed    = "not_subscribed"
	ErrorCodeMalformedUpdate  = "malformed_update"
	ErrorCodeStoreUnavailable = "store_unavailable"
	ErrorCodeDocumentCorrupt  = "document_corrupt"
)

const (
	sendBufferSize = 32
	writeTimeout   = 10 * time.Second
	storeOpTimeout = 10 * time.Second
)

// WireMessage is the JSON frame exchanged on the sync socket. Update and
// State carry base64-encoded CRDT payloads.
type WireMessage struct {
	Type       string `json:"type"`
	DocumentID string `json:"documentId,omitempty"`
	UserID     string `json:"userId,omitempty"`
	Update     string `json:"update,omitempty"`
	State      string `json:"state,omitempty"`
	Code       string `json:"code,omitempty"`
}

type outboundFrame struct {
	messageType int
	payload     []byte
}

// connection tracks one live socket and the documents it joined. The
// subscriptions map is touched only by the connection's read loop.
type connection struct {
	userID        documents.UserID
	socket        *websocket.Conn
	send          chan outboundFrame
	subscriptions map[string]*engine.Actor
	binary        bool
	done          chan struct{}
	closeOnce     sync.Once
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.socket.Close()
	})
}

// enqueue is best-effort: a slow or dead recipient drops frames rather than
// blocking delivery to other subscribers.
func (c *connection) enqueue(frame outboundFrame) bool {
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *connection) writeLoop() {
	for {
		select {
		case frame := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.socket.WriteMessage(frame.messageType, frame.payload); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// GatewayConfig describes the dependencies of the connection manager.
type GatewayConfig struct {
	Directory *engine.Directory
	Sessions  *sessions.Registry
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Gateway terminates sync sockets, routes inbound messages to document
// actors, and fans broadcasts out to the other subscribers of a document.
// It holds no document content itself.
type Gateway struct {
	directory *engine.Directory
	sessions  *sessions.Registry
	clock     func() time.Time
	logger    *zap.Logger
	upgrader  websocket.Upgrader

	mu          sync.RWMutex
	subscribers map[string]map[*connection]struct{}
}

// NewGateway constructs the connection manager.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Directory == nil {
		return nil, errors.New("server: actor directory dependency required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("server: session registry dependency required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		directory: cfg.Directory,
		sessions:  cfg.Sessions,
		clock:     clock,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		subscribers: make(map[string]map[*connection]struct{}),
	}, nil
}

// HandleSync upgrades the request and drives the JSON wire protocol until the
// client disconnects.
func (g *Gateway) HandleSync(w http.ResponseWriter, r *http.Request, userID documents.UserID) {
	socket, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := g.newConnection(userID, socket, false)
	go conn.writeLoop()
	defer g.teardown(conn)

	for {
		_, payload, err := socket.ReadMessage()
		if err != nil {
			return
		}
		var message WireMessage
		if err := json.Unmarshal(payload, &message); err != nil {
			g.sendError(conn, "", ErrorCodeInvalidMessage)
			continue
		}
		switch message.Type {
		case MessageJoinDocument:
			g.handleJoin(conn, message)
		case MessageSyncDocument:
			g.handleUpdate(conn, message)
		case MessageLeaveDocument:
			g.handleLeave(conn, message)
		default:
			g.sendError(conn, message.DocumentID, ErrorCodeInvalidMessage)
		}
	}
}

// HandleDocumentSync serves the document-scoped raw binary endpoint used by
// third-party CRDT clients: first frame out is the snapshot, every frame in
// is an update, every frame out afterwards is a peer's update.
func (g *Gateway) HandleDocumentSync(w http.ResponseWriter, r *http.Request, userID documents.UserID, documentID documents.DocumentID) {
	socket, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := g.newConnection(userID, socket, true)
	go conn.writeLoop()
	defer g.teardown(conn)

	actor := g.directory.Acquire(documentID)
	state, err := g.loadState(actor)
	if err != nil {
		releaseCtx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
		g.directory.Release(releaseCtx, documentID)
		cancel()
		g.logger.Warn("raw sync join refused",
			zap.String("document_id", documentID.String()),
			zap.Error(err))
		return
	}
	g.subscribe(conn, documentID, actor)
	g.activateSession(conn, documentID)
	conn.enqueue(outboundFrame{messageType: websocket.BinaryMessage, payload: state})

	for {
		messageType, payload, err := socket.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		g.applyAndBroadcast(conn, documentID, actor, payload)
	}
}

func (g *Gateway) newConnection(userID documents.UserID, socket *websocket.Conn, binary bool) *connection {
	return &connection{
		userID:        userID,
		socket:        socket,
		send:          make(chan outboundFrame, sendBufferSize),
		subscriptions: make(map[string]*engine.Actor),
		binary:        binary,
		done:          make(chan struct{}),
	}
}

func (g *Gateway) handleJoin(conn *connection, message WireMessage) {
	documentID, err := documents.NewDocumentID(message.DocumentID)
	if err != nil {
		g.sendError(conn, message.DocumentID, ErrorCodeInvalidMessage)
		return
	}
	if message.UserID != conn.userID.String() {
		g.sendError(conn, documentID.String(), ErrorCodeUserMismatch)
		return
	}

	actor, alreadyJoined := conn.subscriptions[documentID.String()]
	if !alreadyJoined {
		actor = g.directory.Acquire(documentID)
	}
	state, err := g.loadState(actor)
	if err != nil {
		if !alreadyJoined {
			releaseCtx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
			g.directory.Release(releaseCtx, documentID)
			cancel()
		}
		code := ErrorCodeStoreUnavailable
		if errors.Is(err, crdt.ErrCorruptState) {
			code = ErrorCodeDocumentCorrupt
		}
		g.sendError(conn, documentID.String(), code)
		return
	}
	if !alreadyJoined {
		g.subscribe(conn, documentID, actor)
		g.activateSession(conn, documentID)
	}
	g.sendJSON(conn, WireMessage{
		Type:       MessageDocumentState,
		DocumentID: documentID.String(),
		State:      base64.StdEncoding.EncodeToString(state),
	})
}

func (g *Gateway) handleUpdate(conn *connection, message WireMessage) {
	documentID, err := documents.NewDocumentID(message.DocumentID)
	if err != nil {
		g.sendError(conn, message.DocumentID, ErrorCodeInvalidMessage)
		return
	}
	actor, ok := conn.subscriptions[documentID.String()]
	if !ok {
		g.sendError(conn, documentID.String(), ErrorCodeNotSubscribed)
		return
	}
	update, err := base64.StdEncoding.DecodeString(message.Update)
	if err != nil || len(update) == 0 {
		g.sendError(conn, documentID.String(), ErrorCodeMalformedUpdate)
		return
	}
	g.applyAndBroadcast(conn, documentID, actor, update)
}

func (g *Gateway) handleLeave(conn *connection, message WireMessage) {
	documentID, err := documents.NewDocumentID(message.DocumentID)
	if err != nil {
		g.sendError(conn, message.DocumentID, ErrorCodeInvalidMessage)
		return
	}
	if message.UserID != "" && message.UserID != conn.userID.String() {
		g.sendError(conn, documentID.String(), ErrorCodeUserMismatch)
		return
	}
	if _, ok := conn.subscriptions[documentID.String()]; !ok {
		g.sendError(conn, documentID.String(), ErrorCodeNotSubscribed)
		return
	}
	g.leave(conn, documentID)
}

func (g *Gateway) applyAndBroadcast(conn *connection, documentID documents.DocumentID, actor *engine.Actor, update []byte) {
	applyCtx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	_, err := actor.Apply(applyCtx, update)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, crdt.ErrMalformedUpdate):
			g.sendError(conn, documentID.String(), ErrorCodeMalformedUpdate)
		case errors.Is(err, crdt.ErrCorruptState):
			// No safe in-memory fallback: every current subscriber hears it.
			g.broadcastError(documentID, ErrorCodeDocumentCorrupt)
		default:
			g.sendError(conn, documentID.String(), ErrorCodeStoreUnavailable)
		}
		return
	}
	g.broadcastUpdate(documentID, conn, update)
}

// broadcastUpdate fans the raw update out to every other subscriber of the
// document. The sender never hears its own update back.
func (g *Gateway) broadcastUpdate(documentID documents.DocumentID, sender *connection, update []byte) {
	jsonFrame, err := json.Marshal(WireMessage{
		Type:       MessageDocumentUpdate,
		DocumentID: documentID.String(),
		Update:     base64.StdEncoding.EncodeToString(update),
	})
	if err != nil {
		g.logger.Error("failed to encode broadcast frame", zap.Error(err))
		return
	}

	for _, peer := range g.peers(documentID, sender) {
		frame := outboundFrame{messageType: websocket.TextMessage, payload: jsonFrame}
		if peer.binary {
			frame = outboundFrame{messageType: websocket.BinaryMessage, payload: update}
		}
		if !peer.enqueue(frame) {
			g.logger.Debug("dropped broadcast for slow subscriber",
				zap.String("document_id", documentID.String()),
				zap.String("user_id", peer.userID.String()))
		}
	}
}

func (g *Gateway) broadcastError(documentID documents.DocumentID, code string) {
	frame, err := json.Marshal(WireMessage{
		Type:       MessageError,
		DocumentID: documentID.String(),
		Code:       code,
	})
	if err != nil {
		return
	}
	for _, peer := range g.peers(documentID, nil) {
		if peer.binary {
			continue
		}
		peer.enqueue(outboundFrame{messageType: websocket.TextMessage, payload: frame})
	}
}

func (g *Gateway) peers(documentID documents.DocumentID, exclude *connection) []*connection {
	g.mu.RLock()
	defer g.mu.RUnlock()
	subscribers := g.subscribers[documentID.String()]
	peers := make([]*connection, 0, len(subscribers))
	for subscriber := range subscribers {
		if subscriber == exclude {
			continue
		}
		peers = append(peers, subscriber)
	}
	return peers
}

func (g *Gateway) subscribe(conn *connection, documentID documents.DocumentID, actor *engine.Actor) {
	conn.subscriptions[documentID.String()] = actor
	g.mu.Lock()
	if _, ok := g.subscribers[documentID.String()]; !ok {
		g.subscribers[documentID.String()] = make(map[*connection]struct{})
	}
	g.subscribers[documentID.String()][conn] = struct{}{}
	g.mu.Unlock()
}

func (g *Gateway) unsubscribe(conn *connection, documentID documents.DocumentID) {
	delete(conn.subscriptions, documentID.String())
	g.mu.Lock()
	subscribers := g.subscribers[documentID.String()]
	if subscribers != nil {
		delete(subscribers, conn)
		if len(subscribers) == 0 {
			delete(g.subscribers, documentID.String())
		}
	}
	g.mu.Unlock()
}

// leave removes the subscription, deactivates the session row, and drops the
// actor reference. Used for explicit leaves and synthesized ones. The session
// row is shared across a user's connections to the same document, so it is
// deactivated only when the last of them leaves.
func (g *Gateway) leave(conn *connection, documentID documents.DocumentID) {
	g.unsubscribe(conn, documentID)

	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	if !g.userStillAttached(conn.userID, documentID) {
		if err := g.sessions.Deactivate(ctx, conn.userID, documentID, g.clock().UTC()); err != nil {
			g.logger.Warn("session deactivate failed",
				zap.String("user_id", conn.userID.String()),
				zap.String("document_id", documentID.String()),
				zap.Error(err))
		}
	}
	g.directory.Release(ctx, documentID)
}

func (g *Gateway) userStillAttached(userID documents.UserID, documentID documents.DocumentID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for subscriber := range g.subscribers[documentID.String()] {
		if subscriber.userID == userID {
			return true
		}
	}
	return false
}

// teardown synthesizes a leave for every document the connection joined.
func (g *Gateway) teardown(conn *connection) {
	for key := range conn.subscriptions {
		documentID, err := documents.NewDocumentID(key)
		if err != nil {
			continue
		}
		g.leave(conn, documentID)
	}
	conn.close()
}

func (g *Gateway) loadState(actor *engine.Actor) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	return actor.Load(ctx)
}

func (g *Gateway) activateSession(conn *connection, documentID documents.DocumentID) {
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	if err := g.sessions.UpsertActive(ctx, conn.userID, documentID); err != nil {
		g.logger.Warn("session activate failed",
			zap.String("user_id", conn.userID.String()),
			zap.String("document_id", documentID.String()),
			zap.Error(err))
	}
}

func (g *Gateway) sendJSON(conn *connection, message WireMessage) {
	payload, err := json.Marshal(message)
	if err != nil {
		g.logger.Error("failed to encode frame", zap.Error(err))
		return
	}
	conn.enqueue(outboundFrame{messageType: websocket.TextMessage, payload: payload})
}

func (g *Gateway) sendError(conn *connection, documentID string, code string) {
	if conn.binary {
		return
	}
	g.sendJSON(conn, WireMessage{Type: MessageError, DocumentID: documentID, Code: code})
}
