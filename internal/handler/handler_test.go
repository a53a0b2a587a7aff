package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"agent-chat/internal/config"
	"agent-chat/internal/model"
	"agent-chat/internal/service"
	"agent-chat/internal/storage"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

type testApp struct {
	srv       *httptest.Server
	chat      *service.ChatService
	responder *service.Responder
	backend   *storage.MemoryStorage
}

// newTestApp 完整的客户端：内存后端 + 内置 agent，agent 地址指向同一个测试服务器
func newTestApp(t *testing.T) *testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)

	var router http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	backend := storage.NewMemoryStorage(storage.WithBcryptCost(bcrypt.MinCost))
	events := service.NewEmitter()
	nav := service.NewNavigator(events)
	chat := service.NewChatService(backend, service.NewAgentClient(srv.URL+"/api/agent", 5*time.Second), events, service.ChatOptions{})
	nav.OnEnter(model.ScreenChat, chat.Start)
	nav.OnEnter(model.ScreenAuth, func(context.Context) error {
		chat.Stop()
		return nil
	})
	auth := service.NewAuthService(backend, nav, events)
	responder := service.NewResponder(backend, service.EchoCompleter{}, config.ResponderConfig{})
	t.Cleanup(func() {
		_ = chat.Close()
		responder.Close()
	})

	r := gin.New()
	api := r.Group("/api")
	NewAuthHandler(auth).Register(api)
	NewChatHandler(chat, nav).Register(api)
	NewAgentHandler(responder).Register(api)
	router = r

	return &testApp{srv: srv, chat: chat, responder: responder, backend: backend}
}

func (a *testApp) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, a.srv.URL+path, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (a *testApp) signIn(t *testing.T) {
	t.Helper()
	creds := `{"email":"user@example.com","password":"secret"}`
	if code, body := a.do(t, http.MethodPost, "/api/auth/signup", creds); code != http.StatusOK {
		t.Fatalf("signup = %d %v", code, body)
	}
	if code, body := a.do(t, http.MethodPost, "/api/auth/signin", creds); code != http.StatusOK {
		t.Fatalf("signin = %d %v", code, body)
	}
}

func TestChatRoutesRequireSignIn(t *testing.T) {
	app := newTestApp(t)

	if code, _ := app.do(t, http.MethodGet, "/api/chat", ""); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}

	code, body := app.do(t, http.MethodGet, "/api/state", "")
	if code != http.StatusOK || body["screen"] != string(model.ScreenAuth) {
		t.Fatalf("state = %d %v", code, body)
	}
}

func TestSignInFailure(t *testing.T) {
	app := newTestApp(t)

	code, body := app.do(t, http.MethodPost, "/api/auth/signin", `{"email":"nobody@example.com","password":"x"}`)
	if code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
	state, _ := body["state"].(map[string]any)
	if state["screen"] != string(model.ScreenAuth) || state["busy"] != false {
		t.Fatalf("state = %v", state)
	}

	if code, _ := app.do(t, http.MethodPost, "/api/auth/signin", `{"email":""}`); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing fields, got %d", code)
	}
}

func TestSendMessageRoundTrip(t *testing.T) {
	app := newTestApp(t)
	app.signIn(t)

	code, body := app.do(t, http.MethodGet, "/api/chat", "")
	if code != http.StatusOK || body["session_id"] == "" {
		t.Fatalf("chat = %d %v", code, body)
	}

	if code, body := app.do(t, http.MethodPost, "/api/chat/messages", `{"content":"   "}`); code != http.StatusBadRequest {
		t.Fatalf("blank send = %d %v", code, body)
	}
	if code, body := app.do(t, http.MethodPost, "/api/chat/messages", `{"content":"Hello"}`); code != http.StatusAccepted {
		t.Fatalf("send = %d %v", code, body)
	}
	app.chat.Wait()
	app.responder.Wait()

	messages := app.chat.Messages()
	if len(messages) != 2 || messages[0].Content != "Hello" || messages[1].Kind != model.KindAssistant {
		t.Fatalf("messages = %+v", messages)
	}

	_, body = app.do(t, http.MethodGet, "/api/chat", "")
	blocks, _ := body["blocks"].([]any)
	if len(blocks) != 2 {
		t.Fatalf("blocks = %v", body["blocks"])
	}
	reply, _ := blocks[1].(map[string]any)
	if !strings.Contains(reply["html"].(string), "<strong>Echo:</strong> Hello") {
		t.Fatalf("reply html = %v", reply["html"])
	}
	if body["draft"] != "" {
		t.Fatalf("draft = %v, want cleared", body["draft"])
	}
}

func TestKeysComposeAndSubmit(t *testing.T) {
	app := newTestApp(t)
	app.signIn(t)

	app.do(t, http.MethodPost, "/api/chat/keys", `{"key":"text","text":"line one"}`)
	app.do(t, http.MethodPost, "/api/chat/keys", `{"key":"enter","shift":true}`)
	code, body := app.do(t, http.MethodPost, "/api/chat/keys", `{"key":"text","text":"two"}`)
	if code != http.StatusOK || body["draft"] != "line one\ntwo" {
		t.Fatalf("keys = %d %v", code, body["draft"])
	}

	if code, _ := app.do(t, http.MethodPost, "/api/chat/keys", `{"key":"enter"}`); code != http.StatusAccepted {
		t.Fatalf("enter = %d", code)
	}
	app.chat.Wait()
	app.responder.Wait()

	if msgs := app.chat.Messages(); len(msgs) == 0 || msgs[0].Content != "line one\ntwo" {
		t.Fatalf("messages = %+v", msgs)
	}
	if code, _ := app.do(t, http.MethodPost, "/api/chat/keys", `{"key":"escape"}`); code != http.StatusBadRequest {
		t.Fatalf("unknown key = %d", code)
	}
}

func TestNewChatAndSwitch(t *testing.T) {
	app := newTestApp(t)
	app.signIn(t)
	first := app.chat.SessionID()

	_, body := app.do(t, http.MethodPost, "/api/chat/new", "")
	if body["session_id"] == first {
		t.Fatal("new chat kept the old session")
	}

	_, body = app.do(t, http.MethodPost, "/api/chat/session/"+first, "")
	if body["session_id"] != first {
		t.Fatalf("switch = %v, want %s", body["session_id"], first)
	}

	_, body = app.do(t, http.MethodPost, "/api/chat/sidebar", "")
	if body["show_sidebar"] != false {
		t.Fatalf("sidebar = %v", body)
	}
}

func TestSignOutLocksChat(t *testing.T) {
	app := newTestApp(t)
	app.signIn(t)

	if code, _ := app.do(t, http.MethodPost, "/api/auth/signout", ""); code != http.StatusOK {
		t.Fatalf("signout = %d", code)
	}
	if code, _ := app.do(t, http.MethodGet, "/api/chat", ""); code != http.StatusUnauthorized {
		t.Fatalf("chat after signout = %d", code)
	}
}

func TestAgentEndpointValidates(t *testing.T) {
	app := newTestApp(t)

	code, body := app.do(t, http.MethodPost, "/api/agent", `{"query":"","session_id":"s"}`)
	if code != http.StatusBadRequest || body["success"] != false {
		t.Fatalf("agent = %d %v", code, body)
	}
}

func TestStreamEventsSendsState(t *testing.T) {
	app := newTestApp(t)
	app.signIn(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, app.srv.URL+"/api/chat/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("events error = %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil || line != "event: state\n" {
		t.Fatalf("first line = %q, %v", line, err)
	}
	data, err := reader.ReadString('\n')
	if err != nil || !strings.HasPrefix(data, "data: ") {
		t.Fatalf("data line = %q, %v", data, err)
	}

	var state map[string]any
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(data), "data: ")), &state); err != nil {
		t.Fatalf("state payload: %v", err)
	}
	if state["session_id"] != app.chat.SessionID() {
		t.Fatalf("state session = %v", state["session_id"])
	}
}
