package integration_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/TidewaterLabs/concord/backend/internal/auth"
	"github.com/TidewaterLabs/concord/backend/internal/crdt"
	"github.com/TidewaterLabs/concord/backend/internal/database"
	"github.com/TidewaterLabs/concord/backend/internal/documents"
	"github.com/TidewaterLabs/concord/backend/internal/engine"
	"github.com/TidewaterLabs/concord/backend/internal/server"
	"github.com/TidewaterLabs/concord/backend/internal/sessions"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	integrationSecret   = "integration-signing-secret"
	integrationIssuer   = "concord-auth"
	integrationAudience = "concord-sync"
	integrationDocument = "doc-integration"
	writerUserID        = "user-writer"
	readerUserID        = "user-reader"
)

func TestDocumentSyncFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	databasePath := filepath.Join(testContext.TempDir(), "integration.db")
	db, err := database.OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}

	store, err := documents.NewStore(documents.StoreConfig{Database: db, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	registry, err := sessions.NewRegistry(sessions.RegistryConfig{
		Database:   db,
		IDProvider: sessions.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build registry: %v", err)
	}
	directory, err := engine.NewDirectory(engine.DirectoryConfig{
		Store: store,
		Settings: engine.Settings{
			PersistInterval: 20 * time.Millisecond,
			IdleEviction:    50 * time.Millisecond,
		},
		Logger: zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build directory: %v", err)
	}
	defer directory.Shutdown(context.Background())

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(integrationSecret),
		Issuer:        integrationIssuer,
		Audience:      integrationAudience,
		TokenTTL:      time.Minute,
	})
	if err != nil {
		testContext.Fatalf("failed to build token issuer: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: issuer,
		Directory:    directory,
		Sessions:     registry,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	writer := dialSync(testContext, testServer, issuer, writerUserID)
	defer writer.Close()
	reader := dialSync(testContext, testServer, issuer, readerUserID)
	defer reader.Close()

	sendFrame(testContext, writer, server.WireMessage{
		Type:       server.MessageJoinDocument,
		DocumentID: integrationDocument,
		UserID:     writerUserID,
	})
	writerState := awaitFrame(testContext, writer, server.MessageDocumentState)
	if !bytes.Equal(decodePayload(testContext, writerState.State), crdt.EmptyState()) {
		testContext.Fatalf("expected an empty initial snapshot, got %s", writerState.State)
	}

	sendFrame(testContext, reader, server.WireMessage{
		Type:       server.MessageJoinDocument,
		DocumentID: integrationDocument,
		UserID:     readerUserID,
	})
	awaitFrame(testContext, reader, server.MessageDocumentState)

	// Both participants are visible through the presence API.
	active := fetchActiveSessions(testContext, testServer, issuer)
	if len(active) != 2 {
		testContext.Fatalf("expected two active sessions, got %#v", active)
	}

	update := encodeUpdate(testContext, "title", "aGVsbG8=", 100, "writer-node")
	sendFrame(testContext, writer, server.WireMessage{
		Type:       server.MessageSyncDocument,
		DocumentID: integrationDocument,
		Update:     base64.StdEncoding.EncodeToString(update),
	})

	broadcast := awaitFrame(testContext, reader, server.MessageDocumentUpdate)
	if !bytes.Equal(decodePayload(testContext, broadcast.Update), update) {
		testContext.Fatalf("reader received a different update than the writer sent")
	}

	// Leaving releases the actor; the idle timeout then flushes and evicts it.
	sendFrame(testContext, writer, server.WireMessage{
		Type:       server.MessageLeaveDocument,
		DocumentID: integrationDocument,
		UserID:     writerUserID,
	})
	sendFrame(testContext, reader, server.WireMessage{
		Type:       server.MessageLeaveDocument,
		DocumentID: integrationDocument,
		UserID:     readerUserID,
	})

	awaitPersistedState(testContext, db, update)

	deadline := time.Now().Add(3 * time.Second)
	for {
		active = fetchActiveSessions(testContext, testServer, issuer)
		if len(active) == 0 {
			break
		}
		if time.Now().After(deadline) {
			testContext.Fatalf("expected no active sessions after leave, got %#v", active)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func dialSync(testContext *testing.T, testServer *httptest.Server, issuer *auth.TokenIssuer, userID string) *websocket.Conn {
	testContext.Helper()
	token, _, err := issuer.IssueAccessToken(context.Background(), userID)
	if err != nil {
		testContext.Fatalf("failed to issue token: %v", err)
	}
	wsURL := "ws" + strings.TrimPrefix(testServer.URL, "http") + "/sync?access_token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		testContext.Fatalf("failed to dial sync socket: %v", err)
	}
	return conn
}

func sendFrame(testContext *testing.T, conn *websocket.Conn, message server.WireMessage) {
	testContext.Helper()
	payload, err := json.Marshal(message)
	if err != nil {
		testContext.Fatalf("failed to encode frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		testContext.Fatalf("failed to send frame: %v", err)
	}
}

func awaitFrame(testContext *testing.T, conn *websocket.Conn, wantType string) server.WireMessage {
	testContext.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		testContext.Fatalf("failed to set read deadline: %v", err)
	}
	_, payload, err := conn.ReadMessage()
	if err != nil {
		testContext.Fatalf("failed to read frame: %v", err)
	}
	var message server.WireMessage
	if err := json.Unmarshal(payload, &message); err != nil {
		testContext.Fatalf("failed to decode frame: %v", err)
	}
	if message.Type != wantType {
		testContext.Fatalf("expected %s frame, got %#v", wantType, message)
	}
	return message
}

func decodePayload(testContext *testing.T, encoded string) []byte {
	testContext.Helper()
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		testContext.Fatalf("failed to decode payload: %v", err)
	}
	return payload
}

func encodeUpdate(testContext *testing.T, key string, valueB64 string, timestamp int64, nodeID string) []byte {
	testContext.Helper()
	encoded, err := json.Marshal(map[string]map[string]crdt.Register{
		"entries": {key: {Value: valueB64, Timestamp: timestamp, NodeID: nodeID}},
	})
	if err != nil {
		testContext.Fatalf("failed to encode update: %v", err)
	}
	return encoded
}

func fetchActiveSessions(testContext *testing.T, testServer *httptest.Server, issuer *auth.TokenIssuer) []struct {
	UserID          string `json:"user_id"`
	JoinedAtSeconds int64  `json:"joined_at_s"`
} {
	testContext.Helper()
	token, _, err := issuer.IssueAccessToken(context.Background(), "observer")
	if err != nil {
		testContext.Fatalf("failed to issue token: %v", err)
	}

	request, err := http.NewRequest(http.MethodGet, testServer.URL+"/documents/"+integrationDocument+"/active", nil)
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("presence request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected presence status: %d", response.StatusCode)
	}

	var payload struct {
		Sessions []struct {
			UserID          string `json:"user_id"`
			JoinedAtSeconds int64  `json:"joined_at_s"`
		} `json:"sessions"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		testContext.Fatalf("failed to decode presence response: %v", err)
	}
	return payload.Sessions
}

func awaitPersistedState(testContext *testing.T, db *gorm.DB, update []byte) {
	testContext.Helper()
	want, err := crdt.Merge(crdt.EmptyState(), update)
	if err != nil {
		testContext.Fatalf("reference merge failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		var row documents.Document
		err := db.Where("document_id = ?", integrationDocument).Take(&row).Error
		if err == nil && bytes.Equal(row.State, want) {
			return
		}
		if time.Now().After(deadline) {
			testContext.Fatalf("document state never persisted: err=%v state=%s", err, row.State)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
