package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/4xmen/messagehub/internal/models"
)

type testRelay struct {
	server *httptest.Server
	store  *Store
	auth   *Auth
	hub    *Hub
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := setupTestStore(t)
	auth := NewAuth(store, "test-secret", time.Hour)
	hub := NewHub(store, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	router := NewRouter(store, hub, auth, Options{StoragePath: t.TempDir(), MaxUploadSize: 1 << 20})
	server := httptest.NewServer(router)
	t.Cleanup(func() {
		server.Close()
		cancel()
	})
	return &testRelay{server: server, store: store, auth: auth, hub: hub}
}

func (r *testRelay) user(t *testing.T, email string) (models.User, string) {
	t.Helper()
	u := mustUser(t, r.store, email)
	token, err := r.auth.GenerateToken(u.ID, u.Email)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return u, token
}

func (r *testRelay) do(t *testing.T, method, path, token, contentType string, body io.Reader) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, r.server.URL+path, body)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func (r *testRelay) sendText(t *testing.T, token, to, content string) models.Message {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"receiverId": to, "content": content})
	status, data := r.do(t, http.MethodPost, "/api/messages", token, "application/json", bytes.NewReader(body))
	if status != http.StatusCreated {
		t.Fatalf("POST /api/messages = %d %s", status, data)
	}
	var m models.Message
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	return m
}

type wsPeer struct {
	t    *testing.T
	conn *websocket.Conn
}

func (r *testRelay) connect(t *testing.T, userID, token string) *wsPeer {
	t.Helper()
	url := "ws" + strings.TrimPrefix(r.server.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	p := &wsPeer{t: t, conn: conn}
	p.emit(models.EventJoin, userID)
	return p
}

func (p *wsPeer) emit(event string, payload any) {
	p.t.Helper()
	data, _ := json.Marshal(payload)
	if err := p.conn.WriteJSON(envelope{Event: event, Data: data}); err != nil {
		p.t.Fatalf("write %s: %v", event, err)
	}
}

// await reads frames until one named event arrives.
func (p *wsPeer) await(event string) json.RawMessage {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var env envelope
		if err := p.conn.ReadJSON(&env); err != nil {
			p.t.Fatalf("waiting for %s: %v", event, err)
		}
		if env.Event == event {
			return env.Data
		}
	}
}

// awaitOnline waits for a presence broadcast containing every id.
func (p *wsPeer) awaitOnline(ids ...string) {
	p.t.Helper()
	for {
		var online []string
		json.Unmarshal(p.await(models.EventOnlineUsers), &online)
		if containsAll(online, ids) {
			return
		}
	}
}

func containsAll(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, id := range have {
		set[id] = true
	}
	for _, id := range want {
		if !set[id] {
			return false
		}
	}
	return true
}

func TestAuthRequired(t *testing.T) {
	r := newTestRelay(t)

	if status, _ := r.do(t, http.MethodGet, "/api/auth/users", "", "", nil); status != http.StatusUnauthorized {
		t.Errorf("no token: status %d, want 401", status)
	}
	if status, _ := r.do(t, http.MethodGet, "/api/auth/users", "garbage", "", nil); status != http.StatusUnauthorized {
		t.Errorf("bad token: status %d, want 401", status)
	}

	_, token := r.user(t, "a@example.com")
	status, data := r.do(t, http.MethodGet, "/api/auth/users", token, "", nil)
	if status != http.StatusOK {
		t.Fatalf("status %d: %s", status, data)
	}
	var users []models.User
	if err := json.Unmarshal(data, &users); err != nil || len(users) != 1 {
		t.Fatalf("users = %s (%v)", data, err)
	}
}

func TestSendTextValidation(t *testing.T) {
	r := newTestRelay(t)
	a, token := r.user(t, "a@example.com")

	tests := []struct {
		name string
		body string
		want int
	}{
		{"missing receiver", `{"content":"hi"}`, http.StatusBadRequest},
		{"blank content", `{"receiverId":"x","content":"   "}`, http.StatusBadRequest},
		{"self", `{"receiverId":"` + a.ID + `","content":"hi"}`, http.StatusBadRequest},
		{"unknown receiver", `{"receiverId":"nobody","content":"hi"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, data := r.do(t, http.MethodPost, "/api/messages", token, "application/json", strings.NewReader(tt.body))
			if status != tt.want {
				t.Fatalf("status %d, want %d: %s", status, tt.want, data)
			}
			var payload struct {
				Error string `json:"error"`
			}
			if json.Unmarshal(data, &payload); payload.Error == "" {
				t.Errorf("no error message in %s", data)
			}
		})
	}
}

func TestUploadAudio(t *testing.T) {
	r := newTestRelay(t)
	_, token := r.user(t, "a@example.com")
	b, _ := r.user(t, "b@example.com")

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	w.WriteField("receiverId", b.ID)
	part, _ := w.CreateFormFile("audio", "note.webm")
	part.Write([]byte("fake audio"))
	w.Close()

	status, data := r.do(t, http.MethodPost, "/api/messages/audio", token, w.FormDataContentType(), &buf)
	if status != http.StatusCreated {
		t.Fatalf("status %d: %s", status, data)
	}
	var m models.Message
	json.Unmarshal(data, &m)
	if !strings.HasPrefix(m.AudioURL, "/api/files/") || !strings.HasSuffix(m.AudioURL, ".webm") {
		t.Fatalf("audioUrl = %q", m.AudioURL)
	}

	status, body := r.do(t, http.MethodGet, m.AudioURL, "", "", nil)
	if status != http.StatusOK || string(body) != "fake audio" {
		t.Fatalf("GET %s = %d %q", m.AudioURL, status, body)
	}
}

func TestUploadRequiresFile(t *testing.T) {
	r := newTestRelay(t)
	_, token := r.user(t, "a@example.com")
	b, _ := r.user(t, "b@example.com")

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	w.WriteField("receiverId", b.ID)
	w.Close()

	if status, _ := r.do(t, http.MethodPost, "/api/messages/media", token, w.FormDataContentType(), &buf); status != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", status)
	}
}

func TestPresenceBroadcast(t *testing.T) {
	r := newTestRelay(t)
	a, tokenA := r.user(t, "a@example.com")
	b, tokenB := r.user(t, "b@example.com")

	pa := r.connect(t, a.ID, tokenA)
	pa.awaitOnline(a.ID)
	pb := r.connect(t, b.ID, tokenB)
	pa.awaitOnline(a.ID, b.ID)

	pb.conn.Close()

	for {
		var online []string
		json.Unmarshal(pa.await(models.EventOnlineUsers), &online)
		if !containsAll(online, []string{b.ID}) {
			break
		}
	}
	if r.hub.IsUserOnline(b.ID) {
		t.Fatal("b still online after disconnect")
	}
}

func TestSendMessageRelayAndDelivery(t *testing.T) {
	r := newTestRelay(t)
	a, tokenA := r.user(t, "a@example.com")
	b, tokenB := r.user(t, "b@example.com")

	pa := r.connect(t, a.ID, tokenA)
	pb := r.connect(t, b.ID, tokenB)
	pa.awaitOnline(a.ID, b.ID)

	m := r.sendText(t, tokenA, b.ID, "hello")
	pa.emit(models.EventSendMessage, m)

	var got models.Message
	json.Unmarshal(pb.await(models.EventReceiveMessage), &got)
	if got.ID != m.ID || got.Content != "hello" {
		t.Fatalf("receiver got %+v", got)
	}

	var echo models.Message
	json.Unmarshal(pa.await(models.EventReceiveMessage), &echo)
	if echo.ID != m.ID {
		t.Fatalf("sender echo %+v", echo)
	}

	var updated models.Message
	json.Unmarshal(pa.await(models.EventMessageUpdated), &updated)
	if updated.ID != m.ID || !updated.Delivered {
		t.Fatalf("update %+v, want delivered", updated)
	}
}

func TestHistoryFetchMarksSeen(t *testing.T) {
	r := newTestRelay(t)
	a, tokenA := r.user(t, "a@example.com")
	b, tokenB := r.user(t, "b@example.com")

	pa := r.connect(t, a.ID, tokenA)
	pa.awaitOnline(a.ID)
	m := r.sendText(t, tokenA, b.ID, "read me")

	status, data := r.do(t, http.MethodGet, "/api/messages/"+a.ID, tokenB, "", nil)
	if status != http.StatusOK {
		t.Fatalf("status %d: %s", status, data)
	}
	var history []models.Message
	json.Unmarshal(data, &history)
	if len(history) != 1 || history[0].ID != m.ID || !history[0].Seen {
		t.Fatalf("history = %+v", history)
	}

	var updated models.Message
	json.Unmarshal(pa.await(models.EventMessageUpdated), &updated)
	if updated.ID != m.ID || !updated.Seen {
		t.Fatalf("update %+v, want seen", updated)
	}
}

func TestCallSignalingIsForwarded(t *testing.T) {
	r := newTestRelay(t)
	a, tokenA := r.user(t, "a@example.com")
	b, tokenB := r.user(t, "b@example.com")

	pa := r.connect(t, a.ID, tokenA)
	pb := r.connect(t, b.ID, tokenB)
	pa.awaitOnline(a.ID, b.ID)

	offer := models.SessionDescription{Type: "offer", SDP: "v=0"}
	pa.emit(models.EventCallUser, models.CallUser{To: b.ID, Offer: offer})

	var made models.CallMade
	json.Unmarshal(pb.await(models.EventCallMade), &made)
	if made.From != a.ID || made.Offer != offer {
		t.Fatalf("call-made = %+v", made)
	}

	pb.emit(models.EventEndCall, models.EndCall{To: a.ID})
	var ended models.CallEnded
	json.Unmarshal(pa.await(models.EventCallEnded), &ended)
	if ended.From != b.ID {
		t.Fatalf("call-ended = %+v", ended)
	}
}

func TestCallToOfflineUserEndsImmediately(t *testing.T) {
	r := newTestRelay(t)
	a, tokenA := r.user(t, "a@example.com")
	b, _ := r.user(t, "b@example.com")

	pa := r.connect(t, a.ID, tokenA)
	pa.awaitOnline(a.ID)
	pa.emit(models.EventCallUser, models.CallUser{To: b.ID, Offer: models.SessionDescription{Type: "offer", SDP: "v=0"}})

	var ended models.CallEnded
	json.Unmarshal(pa.await(models.EventCallEnded), &ended)
	if ended.From != b.ID {
		t.Fatalf("call-ended = %+v, want from %s", ended, b.ID)
	}
}

func TestDisconnectEndsCallWithPartner(t *testing.T) {
	r := newTestRelay(t)
	a, tokenA := r.user(t, "a@example.com")
	b, tokenB := r.user(t, "b@example.com")

	pa := r.connect(t, a.ID, tokenA)
	pb := r.connect(t, b.ID, tokenB)
	pa.awaitOnline(a.ID, b.ID)

	pa.emit(models.EventCallUser, models.CallUser{To: b.ID, Offer: models.SessionDescription{Type: "offer", SDP: "v=0"}})
	pb.await(models.EventCallMade)
	pb.emit(models.EventMakeAnswer, models.MakeAnswer{To: a.ID, Answer: models.SessionDescription{Type: "answer", SDP: "v=0"}})
	pa.await(models.EventAnswerMade)

	pa.conn.Close()

	var ended models.CallEnded
	json.Unmarshal(pb.await(models.EventCallEnded), &ended)
	if ended.From != a.ID {
		t.Fatalf("call-ended = %+v, want from %s", ended, a.ID)
	}
}

func TestEndedCallIsForgotten(t *testing.T) {
	r := newTestRelay(t)
	a, tokenA := r.user(t, "a@example.com")
	b, tokenB := r.user(t, "b@example.com")

	pa := r.connect(t, a.ID, tokenA)
	pb := r.connect(t, b.ID, tokenB)
	pa.awaitOnline(a.ID, b.ID)

	pa.emit(models.EventCallUser, models.CallUser{To: b.ID, Offer: models.SessionDescription{Type: "offer", SDP: "v=0"}})
	pb.await(models.EventCallMade)
	pb.emit(models.EventEndCall, models.EndCall{To: a.ID})
	pa.await(models.EventCallEnded)

	r.hub.mu.RLock()
	n := len(r.hub.calls)
	r.hub.mu.RUnlock()
	if n != 0 {
		t.Fatalf("%d calls still tracked after end-call", n)
	}
}
