package server

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/TidewaterLabs/concord/backend/internal/documents"
)

func TestHealthEndpointIsPublic(t *testing.T) {
	env := mustGatewayEnv(t, "file:router_health?mode=memory&cache=shared")

	response, err := http.Get(env.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from health endpoint, got %d", response.StatusCode)
	}
}

func TestProtectedRoutesRejectMissingToken(t *testing.T) {
	env := mustGatewayEnv(t, "file:router_missing?mode=memory&cache=shared")

	response, err := http.Get(env.server.URL + "/documents/doc-1/active")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", response.StatusCode)
	}
}

func TestProtectedRoutesRejectInvalidToken(t *testing.T) {
	env := mustGatewayEnv(t, "file:router_invalid?mode=memory&cache=shared")

	request, err := http.NewRequest(http.MethodGet, env.server.URL+"/documents/doc-1/active", nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer not-a-token")

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", response.StatusCode)
	}
}

func TestActiveSessionsAcceptsBearerHeader(t *testing.T) {
	env := mustGatewayEnv(t, "file:router_bearer?mode=memory&cache=shared")
	seedActiveSession(t, env, "user-a", "doc-1")

	token, _, err := env.issuer.IssueAccessToken(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	request, err := http.NewRequest(http.MethodGet, env.server.URL+"/documents/doc-1/active", nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with bearer token, got %d", response.StatusCode)
	}

	var payload struct {
		Sessions []struct {
			UserID          string `json:"user_id"`
			JoinedAtSeconds int64  `json:"joined_at_s"`
		} `json:"sessions"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(payload.Sessions) != 1 || payload.Sessions[0].UserID != "user-a" {
		t.Fatalf("unexpected sessions payload: %#v", payload.Sessions)
	}
	if payload.Sessions[0].JoinedAtSeconds == 0 {
		t.Fatal("expected joined_at_s to be populated")
	}
}

func TestActiveSessionsAcceptsAccessTokenQuery(t *testing.T) {
	env := mustGatewayEnv(t, "file:router_query?mode=memory&cache=shared")

	token, _, err := env.issuer.IssueAccessToken(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	response, err := http.Get(env.server.URL + "/documents/doc-1/active?access_token=" + token)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with access_token query, got %d", response.StatusCode)
	}
}

func TestActiveSessionsRejectsInvalidDocumentID(t *testing.T) {
	env := mustGatewayEnv(t, "file:router_badid?mode=memory&cache=shared")

	token, _, err := env.issuer.IssueAccessToken(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	response, err := http.Get(env.server.URL + "/documents/%20/active?access_token=" + token)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for an invalid document id, got %d", response.StatusCode)
	}
}

func TestCORSAllowsBrowserOrigins(t *testing.T) {
	env := mustGatewayEnv(t, "file:router_cors?mode=memory&cache=shared")

	request, err := http.NewRequest(http.MethodOptions, env.server.URL+"/documents/doc-1/active", nil)
	if err != nil {
		t.Fatalf("failed to build preflight request: %v", err)
	}
	request.Header.Set("Origin", "https://app.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodGet)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("preflight request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusNoContent && response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected preflight status %d", response.StatusCode)
	}
	if got := response.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected wildcard allow origin, got %q", got)
	}
}

func TestMissingDependenciesAreRejected(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err == nil {
		t.Fatal("expected missing token manager to be rejected")
	}
}

func seedActiveSession(t *testing.T, env *gatewayEnv, userID string, documentID string) {
	t.Helper()
	user, err := documents.NewUserID(userID)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	if err := env.registry.UpsertActive(context.Background(), user, mustDocumentID(t, documentID)); err != nil {
		t.Fatalf("failed to seed session: %v", err)
	}
}
