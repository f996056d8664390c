package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/neominik/write-collab/internal/auth"
	"github.com/neominik/write-collab/internal/collab"
	"github.com/neominik/write-collab/internal/database"
	"github.com/neominik/write-collab/internal/documents"
	"github.com/neominik/write-collab/internal/metrics"
	"github.com/neominik/write-collab/internal/realtime"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const testSigningSecret = "test-signing-secret"

type serverEnvironment struct {
	server  *httptest.Server
	store   *documents.Store
	manager *collab.Manager
	issuer  *auth.TokenIssuer
	metrics *metrics.Registry
	logs    *observer.ObservedLogs
}

func newServerEnvironment(t *testing.T) *serverEnvironment {
	t.Helper()
	gin.SetMode(gin.TestMode)

	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)
	db, err := database.OpenSQLite(database.Options{
		Path:         filepath.Join(t.TempDir(), "write.db"),
		MaxOpenConns: 4,
	}, logger)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}

	store, err := documents.NewStore(documents.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	registry := metrics.NewRegistry()
	dispatcher := realtime.NewDispatcher(realtime.DispatcherConfig{Logger: logger, Metrics: registry})
	manager, err := collab.NewManager(collab.ManagerConfig{
		Store:      store,
		Policy:     collab.NewPersistencePolicy(collab.PolicyConfig{Store: store, Logger: logger, Metrics: registry}),
		Dispatcher: dispatcher,
		Logger:     logger,
		Metrics:    registry,
	})
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to create token issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Manager:       manager,
		Catalog:       store,
		Authenticator: issuer,
		Metrics:       registry,
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		server.Close()
		_ = manager.Shutdown(context.Background())
		_ = sqlDB.Close()
	})
	return &serverEnvironment{
		server:  server,
		store:   store,
		manager: manager,
		issuer:  issuer,
		metrics: registry,
		logs:    logs,
	}
}

func (env *serverEnvironment) adminToken(t *testing.T) string {
	t.Helper()
	token, _, err := env.issuer.IssueAdminToken(context.Background(), "operator@example.com")
	if err != nil {
		t.Fatalf("failed to issue admin token: %v", err)
	}
	return token
}

func (env *serverEnvironment) createDocument(t *testing.T, title string) documents.DocumentID {
	t.Helper()
	validated, err := documents.NewTitle(title)
	if err != nil {
		t.Fatalf("invalid title: %v", err)
	}
	created, err := env.store.CreateDocument(context.Background(), validated)
	if err != nil {
		t.Fatalf("failed to create document: %v", err)
	}
	return documents.DocumentID(created.DocumentID)
}

func (env *serverEnvironment) do(t *testing.T, method, path, token string, body []byte, contentType string) *http.Response {
	t.Helper()
	request, err := http.NewRequest(method, env.server.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	t.Cleanup(func() {
		_ = response.Body.Close()
	})
	return response
}

func (env *serverEnvironment) doJSON(t *testing.T, method, path, token string, payload any) *http.Response {
	t.Helper()
	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to encode payload: %v", err)
		}
		body = encoded
	}
	return env.do(t, method, path, token, body, "application/json")
}

func decodeBody(t *testing.T, response *http.Response, target any) {
	t.Helper()
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func readAll(t *testing.T, response *http.Response) []byte {
	t.Helper()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	return body
}

func expectStatus(t *testing.T, response *http.Response, expected int) {
	t.Helper()
	if response.StatusCode != expected {
		t.Fatalf("expected status %d for %s %s, got %d", expected, response.Request.Method, response.Request.URL.Path, response.StatusCode)
	}
}
