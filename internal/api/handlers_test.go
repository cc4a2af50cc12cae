package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/isoftao/erp-assistant/internal/auth"
	"github.com/isoftao/erp-assistant/internal/cache"
	"github.com/isoftao/erp-assistant/internal/core"
	"github.com/isoftao/erp-assistant/internal/erp"
	"github.com/isoftao/erp-assistant/internal/export"
	"github.com/isoftao/erp-assistant/internal/store"
)

const testSecret = "test-secret"

// stubOracle answers every prompt with the same text. Classification and
// study detection fail to parse it and degrade, so requests land on the
// knowledge path deterministically.
type stubOracle struct{ reply string }

func (o stubOracle) Complete(context.Context, []core.ChatMessage, int, float32) (string, core.Usage, error) {
	return o.reply, core.Usage{Prompt: 5, Completion: 5, Total: 10}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *store.SQLiteStore) {
	t.Helper()

	dbStore, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { dbStore.Close() })

	exportDir := t.TempDir()
	sink, err := export.NewLocalSink(exportDir, "/files")
	if err != nil {
		t.Fatalf("failed to create sink: %v", err)
	}

	oracle := stubOracle{reply: "Here is your answer."}
	opts := core.DefaultOptions()
	catalog := erp.NewStaticCatalog(nil)
	datastore := erp.NewSQLDatastore(nil) // knowledge path never executes SQL

	chatService := core.NewChatService(
		dbStore,
		cache.NewMemoryCache(),
		oracle,
		core.NewIntentService(oracle, opts),
		core.NewSQLService(oracle, catalog),
		core.NewQueryService(oracle, datastore, catalog, sink, opts),
		core.NewStudyService(oracle, datastore, sink, opts),
		opts,
	)

	srv := httptest.NewServer(NewRouter(NewAPIHandler(chatService, testSecret), exportDir))
	t.Cleanup(srv.Close)
	return srv, dbStore
}

func postJSON(t *testing.T, url, token string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func getJSON(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func signupAndLogin(t *testing.T, baseURL string) string {
	t.Helper()
	resp := postJSON(t, baseURL+"/api/signup", "", map[string]string{"user_id": "tester@isoft.ao", "password": "hunter22"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("signup status = %d", resp.StatusCode)
	}

	resp = postJSON(t, baseURL+"/api/login", "", map[string]string{"user_id": "tester@isoft.ao", "password": "hunter22"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode login response: %v", err)
	}
	if body["token"] == "" {
		t.Fatal("login returned no token")
	}
	return body["token"]
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := getJSON(t, srv.URL+"/api/health", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	srv, _ := newTestServer(t)
	signupAndLogin(t, srv.URL)

	resp := postJSON(t, srv.URL+"/api/login", "", map[string]string{"user_id": "tester@isoft.ao", "password": "wrong"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAskRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/ask", "", AskRequest{Question: "hello"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status without token = %d, want 401", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/api/ask", "not.a.token", AskRequest{Question: "hello"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status with bad token = %d, want 401", resp.StatusCode)
	}
}

func TestAskConversationFlow(t *testing.T) {
	srv, _ := newTestServer(t)
	token := signupAndLogin(t, srv.URL)

	resp := postJSON(t, srv.URL+"/api/ask", token, AskRequest{Question: "What does net sales mean in accounting?"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ask status = %d", resp.StatusCode)
	}
	var ask AskResponse
	if err := json.NewDecoder(resp.Body).Decode(&ask); err != nil {
		t.Fatalf("failed to decode ask response: %v", err)
	}
	if ask.Answer != "Here is your answer." {
		t.Errorf("answer = %q", ask.Answer)
	}
	if ask.ConversationID == "" {
		t.Fatal("no conversation id returned")
	}

	// The conversation shows up in the listing.
	resp = getJSON(t, srv.URL+"/api/conversations", token)
	var conversations []store.Conversation
	if err := json.NewDecoder(resp.Body).Decode(&conversations); err != nil {
		t.Fatalf("failed to decode conversations: %v", err)
	}
	resp.Body.Close()
	if len(conversations) != 1 || conversations[0].ID != ask.ConversationID {
		t.Fatalf("conversations = %+v", conversations)
	}

	// Its detail view carries the exchange.
	resp = getJSON(t, srv.URL+"/api/conversations/"+ask.ConversationID, token)
	var detail GetConversationResponse
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		t.Fatalf("failed to decode conversation detail: %v", err)
	}
	resp.Body.Close()
	if len(detail.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(detail.Messages))
	}
	if detail.Messages[0].Answer != "Here is your answer." {
		t.Errorf("message = %+v", detail.Messages[0])
	}

	// Feedback on the message.
	resp = postJSON(t, fmt.Sprintf("%s/api/messages/%s/feedback", srv.URL, detail.Messages[0].ID), token, FeedbackRequest{Negative: true})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("feedback status = %d, want 204", resp.StatusCode)
	}
}

func TestAskDeniedWithoutRole(t *testing.T) {
	srv, dbStore := newTestServer(t)

	// A user signed up out of band without the assistant capability.
	user, err := dbStore.CreateUser("norole@isoft.ao", "hash", nil)
	if err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	token, err := auth.GenerateJWT(testSecret, "norole@isoft.ao", nil)
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}

	resp := postJSON(t, srv.URL+"/api/ask", token, AskRequest{Question: "What does net sales mean?"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("denial must be in-band, status = %d", resp.StatusCode)
	}
	var ask AskResponse
	if err := json.NewDecoder(resp.Body).Decode(&ask); err != nil {
		t.Fatalf("failed to decode ask response: %v", err)
	}
	if !strings.Contains(ask.Answer, "Access denied") || !strings.Contains(ask.Answer, "alert-danger") {
		t.Errorf("answer = %q", ask.Answer)
	}
	if ask.ConversationID != "" {
		t.Error("denied request must not open a conversation")
	}

	convs, err := dbStore.GetConversationsByUserID(user.ID)
	if err != nil {
		t.Fatalf("failed to list conversations: %v", err)
	}
	if len(convs) != 0 {
		t.Errorf("denied request persisted %d conversations", len(convs))
	}
}

func TestGetConversationNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	token := signupAndLogin(t, srv.URL)

	resp := getJSON(t, srv.URL+"/api/conversations/no-such-id", token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
