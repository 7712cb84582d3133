package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "sudooom.im.inbox/internal/errors"
	"sudooom.im.inbox/internal/identity"
	"sudooom.im.inbox/internal/index"
	"sudooom.im.inbox/internal/metrics"
	"sudooom.im.inbox/internal/model"
	"sudooom.im.inbox/internal/notifier"
	"sudooom.im.inbox/internal/pairlock"
	"sudooom.im.inbox/internal/service"
	"sudooom.im.inbox/internal/snowflake"
	"sudooom.im.inbox/internal/store"
)

// APIResponse 用于解析响应体
type APIResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type testServer struct {
	router *gin.Engine
	tokens *identity.TokenService
}

func newTestServer(t *testing.T, limiter *Limiter) *testServer {
	t.Helper()
	return newTestServerWithOrigins(t, limiter)
}

func newTestServerWithOrigins(t *testing.T, limiter *Limiter, origins ...string) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	m := metrics.New(prometheus.NewRegistry())
	st := store.NewMemoryStore()
	locks := pairlock.New(time.Second)
	hub := notifier.NewHub(notifier.Config{RetentionEvents: 128, RetentionWindow: time.Hour, QueueSize: 32},
		notifier.NewMemorySequencer(), nil, m)
	t.Cleanup(hub.Close)

	inbox := service.NewInboxService(service.Options{
		Store:      st,
		Index:      index.New(index.NewMemoryCache(), st, locks, 120, m),
		Locks:      locks,
		Hub:        hub,
		IDs:        node,
		Directory:  identity.NewMemoryDirectory(true, identity.Profile{ID: "admin", Name: "Admin"}),
		Authorizer: identity.NewStaticAuthorizer([]string{"root"}),
		Metrics:    m,
		PageSize:   10,
	})

	tokens := identity.NewTokenService("test-secret", time.Hour, "im-inbox")
	router := SetupRouter(RouterConfig{Tokens: tokens, Limiter: limiter, AllowedOrigins: origins},
		NewInboxHandler(inbox, 2, origins...))
	return &testServer{router: router, tokens: tokens}
}

func (s *testServer) token(t *testing.T, viewer string) string {
	t.Helper()
	token, _, err := s.tokens.Generate(viewer)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, method, path, viewer string, body any) (int, APIResponse) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if viewer != "" {
		req.Header.Set("Authorization", "Bearer "+s.token(t, viewer))
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w.Code, resp
}

func (s *testServer) send(t *testing.T, from, to, body string) model.Message {
	t.Helper()
	code, resp := s.do(t, http.MethodPost, "/api/v1/messages", from, SendMessageRequest{RecipientID: to, Body: body})
	require.Equal(t, http.StatusOK, code, resp.Message)
	var res service.SendResult
	require.NoError(t, json.Unmarshal(resp.Data, &res))
	return res.Message
}

func TestAPI_SendListReadFlow(t *testing.T) {
	s := newTestServer(t, nil)
	s.send(t, "admin", "vendor", "Hi")

	code, resp := s.do(t, http.MethodGet, "/api/v1/conversations", "vendor", nil)
	require.Equal(t, http.StatusOK, code)
	var list struct {
		List []ConversationItem `json:"list"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &list))
	require.Len(t, list.List, 1)
	assert.Equal(t, "admin", list.List[0].CounterpartID)
	assert.Equal(t, "Admin", list.List[0].Counterpart.Name)
	assert.Equal(t, 1, list.List[0].UnreadCount)

	code, resp = s.do(t, http.MethodGet, "/api/v1/conversations/unread", "vendor", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"total":1}`, string(resp.Data))

	code, resp = s.do(t, http.MethodPost, "/api/v1/conversations/admin/read", "vendor", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"count":1}`, string(resp.Data))

	code, resp = s.do(t, http.MethodPost, "/api/v1/conversations/admin/read", "vendor", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"count":0}`, string(resp.Data))

	s.send(t, "client", "vendor", "hey")
	code, resp = s.do(t, http.MethodPost, "/api/v1/conversations/read", "vendor", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"count":1}`, string(resp.Data))

	code, resp = s.do(t, http.MethodPost, "/api/v1/conversations/rebuild", "vendor", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"conversations":2}`, string(resp.Data))
}

func TestAPI_GetMessagesPaging(t *testing.T) {
	s := newTestServer(t, nil)
	var ids []int64
	for i := 0; i < 3; i++ {
		ids = append(ids, s.send(t, "admin", "vendor", fmt.Sprintf("m%d", i)).ID)
	}

	type page struct {
		List    []model.Message `json:"list"`
		HasMore bool            `json:"has_more"`
		Next    int64           `json:"next"`
	}

	code, resp := s.do(t, http.MethodGet, "/api/v1/conversations/admin/messages", "vendor", nil)
	require.Equal(t, http.StatusOK, code)
	var p page
	require.NoError(t, json.Unmarshal(resp.Data, &p))
	require.Len(t, p.List, 2)
	assert.True(t, p.HasMore)
	assert.Equal(t, ids[1], p.Next)

	code, resp = s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/conversations/admin/messages?since=%d&limit=5", p.Next), "vendor", nil)
	require.Equal(t, http.StatusOK, code)
	p = page{}
	require.NoError(t, json.Unmarshal(resp.Data, &p))
	require.Len(t, p.List, 1)
	assert.Equal(t, ids[2], p.List[0].ID)
	assert.False(t, p.HasMore)

	code, _ = s.do(t, http.MethodGet, "/api/v1/conversations/admin/messages?since=abc", "vendor", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAPI_ErrorMapping(t *testing.T) {
	s := newTestServer(t, nil)

	code, resp := s.do(t, http.MethodGet, "/api/v1/conversations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, apperrors.CodeTokenInvalid, resp.Code)

	code, resp = s.do(t, http.MethodPost, "/api/v1/messages", "admin", SendMessageRequest{RecipientID: "admin", Body: "me"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, apperrors.CodeValidation, resp.Code)

	code, _ = s.do(t, http.MethodPost, "/api/v1/messages", "admin", map[string]string{"recipient_id": "vendor"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, resp = s.do(t, http.MethodGet, "/api/v1/conversations?viewer_id=admin", "vendor", nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, apperrors.CodeAuthorization, resp.Code)

	s.send(t, "admin", "vendor", "Hi")
	code, _ = s.do(t, http.MethodGet, "/api/v1/conversations?viewer_id=vendor", "root", nil)
	assert.Equal(t, http.StatusOK, code)

	expired := identity.NewTokenService("test-secret", -time.Minute, "im-inbox")
	token, _, err := expired.Generate("vendor")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPI_SendRateLimit(t *testing.T) {
	s := newTestServer(t, NewLimiter(0.001, 2))

	s.send(t, "admin", "vendor", "1")
	s.send(t, "admin", "vendor", "2")
	code, resp := s.do(t, http.MethodPost, "/api/v1/messages", "admin", SendMessageRequest{RecipientID: "vendor", Body: "3"})
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, apperrors.CodeTooManyReqest, resp.Code)

	// 其他调用方不受影响
	s.send(t, "vendor", "admin", "reply")
}

func TestLimiter(t *testing.T) {
	unlimited := NewLimiter(0, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, unlimited.Allow("a"))
	}

	l := NewLimiter(1, 1)
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
	assert.Equal(t, 2, l.Len())
}

func TestCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS([]string{"http://console.local"}))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/ping", nil)
	req.Header.Set("Origin", "http://console.local")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://console.local", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "http://evil.local")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	check := checkOrigin([]string{"http://console.local"})
	req = httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
	assert.True(t, check(req))
	req.Header.Set("Origin", "http://evil.local")
	assert.False(t, check(req))
}

func dialEvents(t *testing.T, srv *httptest.Server, token, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events?access_token=" + token + query
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) ServerFrame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f ServerFrame
	require.NoError(t, ws.ReadJSON(&f))
	return f
}

func TestAPI_EventsStreamAndResume(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	token := s.token(t, "vendor")
	ws := dialEvents(t, srv, token, "")

	hello := readFrame(t, ws)
	assert.Equal(t, FrameHello, hello.Type)
	assert.NotEmpty(t, hello.SubscriptionID)
	assert.False(t, hello.ResetRequired)

	first := s.send(t, "admin", "vendor", "one")
	f := readFrame(t, ws)
	require.Equal(t, FrameEvent, f.Type)
	require.NotNil(t, f.Event)
	assert.Equal(t, first.ID, f.Event.MessageCreated.Message.ID)
	require.NoError(t, ws.WriteJSON(ClientFrame{Type: FrameAck, Sequence: f.Event.Sequence}))

	require.NoError(t, ws.WriteJSON(ClientFrame{Type: FramePing}))
	assert.Equal(t, FramePong, readFrame(t, ws).Type)
	ws.Close()

	second := s.send(t, "admin", "vendor", "two")
	third := s.send(t, "admin", "vendor", "three")

	ws = dialEvents(t, srv, token, fmt.Sprintf("&subscription_id=%s&resume_token=%d", hello.SubscriptionID, f.Event.Sequence))
	defer ws.Close()
	hello = readFrame(t, ws)
	assert.Equal(t, FrameHello, hello.Type)
	assert.Equal(t, f.Event.Sequence, hello.ResumeToken)

	got := []int64{readFrame(t, ws).Event.MessageCreated.Message.ID, readFrame(t, ws).Event.MessageCreated.Message.ID}
	assert.Equal(t, []int64{second.ID, third.ID}, got)
}

func TestAPI_EventsResetRequired(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	ws := dialEvents(t, srv, s.token(t, "vendor"), "&resume_token=99")
	defer ws.Close()

	hello := readFrame(t, ws)
	assert.True(t, hello.ResetRequired)
	assert.Equal(t, FrameReset, readFrame(t, ws).Type)
}

func TestAPI_EventsOriginPerRouter(t *testing.T) {
	strict := newTestServerWithOrigins(t, nil, "http://console.local")
	open := newTestServer(t, nil)
	strictSrv := httptest.NewServer(strict.router)
	defer strictSrv.Close()
	openSrv := httptest.NewServer(open.router)
	defer openSrv.Close()

	dial := func(srv *httptest.Server, token, origin string) (*websocket.Conn, error) {
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events?access_token=" + token
		ws, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{origin}})
		return ws, err
	}

	_, err := dial(strictSrv, strict.token(t, "vendor"), "http://evil.local")
	assert.Error(t, err)

	ws, err := dial(strictSrv, strict.token(t, "vendor"), "http://console.local")
	require.NoError(t, err)
	assert.Equal(t, FrameHello, readFrame(t, ws).Type)
	ws.Close()

	// 另一个路由不受白名单影响
	ws, err = dial(openSrv, open.token(t, "vendor"), "http://evil.local")
	require.NoError(t, err)
	assert.Equal(t, FrameHello, readFrame(t, ws).Type)
	ws.Close()
}

func TestAPI_EventsRejectsOtherViewer(t *testing.T) {
	s := newTestServer(t, nil)
	code, resp := s.do(t, http.MethodGet, "/api/v1/events?viewer_id=admin", "vendor", nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, apperrors.CodeAuthorization, resp.Code)
}
