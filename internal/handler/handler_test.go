package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"ragchat-go/internal/model"
	"ragchat-go/internal/service"
)

// stubChat 记录收到的请求并返回预设结果。
type stubChat struct {
	last       service.ChatRequest
	resp       *service.ChatResponse
	prepareErr error
	fragments  []string
	streamErr  error
}

func (s *stubChat) Chat(ctx context.Context, req service.ChatRequest) (*service.ChatResponse, error) {
	s.last = req
	if s.prepareErr != nil {
		return nil, s.prepareErr
	}
	return s.resp, nil
}

func (s *stubChat) Prepare(ctx context.Context, req service.ChatRequest) (*service.PreparedChat, error) {
	s.last = req
	if s.prepareErr != nil {
		return nil, s.prepareErr
	}
	return &service.PreparedChat{SessionID: "11111111-1111-1111-1111-111111111111", Message: req.Message}, nil
}

func (s *stubChat) StreamAnswer(ctx context.Context, p *service.PreparedChat, sink service.EventSink) (*service.DoneEvent, error) {
	for _, f := range s.fragments {
		if err := sink.Content(f); err != nil {
			return nil, err
		}
	}
	if s.streamErr != nil {
		return nil, s.streamErr
	}
	id := uint(42)
	tok := "share-token"
	return &service.DoneEvent{SessionID: p.SessionID, ConversationID: &id, ShareToken: &tok, Chunks: 2}, nil
}

func (s *stubChat) Wait() {}

type stubConversations struct {
	service.ConversationService
	passcode  string
	sessionID string
	err       error
}

// IssueShareToken 只认会话 "creator-session"。
func (s *stubConversations) IssueShareToken(ctx context.Context, id uint, user *model.User, sessionID string) (string, error) {
	s.sessionID = sessionID
	if s.err != nil {
		return "", s.err
	}
	if sessionID != "creator-session" {
		return "", service.ErrShareForbidden
	}
	return fmt.Sprintf("tok-%d", id), nil
}

func (s *stubConversations) ShareView(ctx context.Context, token string, user *model.User, passcode string) (*service.SharedConversation, error) {
	s.passcode = passcode
	if s.err != nil {
		return nil, s.err
	}
	return &service.SharedConversation{ID: 3, Question: "q", Answer: "a"}, nil
}

type stubAdmin struct{}

func (stubAdmin) ModerationStatus(ctx context.Context, id uint) (*service.ModerationStatus, error) {
	if id != 5 {
		return nil, service.ErrConversationNotFound
	}
	return &service.ModerationStatus{ConversationID: 5, Banned: true, Reason: "prompt_injection"}, nil
}

func (stubAdmin) DocumentUsage(ctx context.Context, slug string) (*service.DocumentUsage, error) {
	return &service.DocumentUsage{Document: slug, Queries: 4}, nil
}

func newTestRouter(chat service.ChatService, conv service.ConversationService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	ch := NewChatHandler(chat)
	conversationHandler := NewConversationHandler(conv)
	adminHandler := NewAdminHandler(stubAdmin{})
	r.POST("/api/v1/chat", ch.Chat)
	r.POST("/api/v1/chat/stream", ch.Stream)
	r.GET("/api/v1/chat/ws", ch.HandleWS)
	r.POST("/api/v1/conversations/:id/share", conversationHandler.Share)
	r.GET("/api/v1/share/:token", conversationHandler.View)
	r.GET("/api/v1/admin/conversations/:id/moderation", adminHandler.ModerationStatus)
	r.GET("/api/v1/admin/documents/:slug/usage", adminHandler.DocumentUsage)
	return r
}

func doJSON(r http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return body
}

func TestChatBufferedAppliesQueryAndHeader(t *testing.T) {
	chat := &stubChat{resp: &service.ChatResponse{Answer: "hi", SessionID: "s"}}
	r := newTestRouter(chat, &stubConversations{})

	w := doJSON(r, http.MethodPost, "/api/v1/chat?doc=policy-a+policy-b&embedding=local",
		`{"message":"hello","doc":"ignored","passcode":"body"}`, map[string]string{PasscodeHeader: "header"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	// 查询参数中的 '+' 会被解码为空格，切分时两者等价
	if chat.last.Documents != "policy-a policy-b" || chat.last.Embedding != "local" || chat.last.Passcode != "header" {
		t.Errorf("request = %+v", chat.last)
	}
	if body := decode(t, w); body["answer"] != "hi" || body["conversationId"] != nil {
		t.Errorf("body = %v", body)
	}
}

func TestErrorResponses(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		check  func(t *testing.T, body map[string]interface{}, w *httptest.ResponseRecorder)
	}{
		{"validation", &service.ValidationError{Code: service.CodeOwnerMismatch, Message: "mixed owners", Document: "policy-b"}, http.StatusBadRequest,
			func(t *testing.T, body map[string]interface{}, _ *httptest.ResponseRecorder) {
				if body["code"] != "owner_mismatch" || body["document"] != "policy-b" {
					t.Errorf("body = %v", body)
				}
			}},
		{"burst", &service.RateLimitError{Reason: service.ReasonBurstLimit, RetryAfter: 7, Limit: 3, Window: 10 * time.Second}, http.StatusTooManyRequests,
			func(t *testing.T, body map[string]interface{}, w *httptest.ResponseRecorder) {
				if body["reason"] != "burst_limit" || body["retryAfter"] != float64(7) || body["window"] != float64(10) {
					t.Errorf("body = %v", body)
				}
				if got := w.Header().Get("Retry-After"); got != "7" {
					t.Errorf("Retry-After = %q", got)
				}
			}},
		{"quota", &service.ConversationQuotaError{Limit: 50}, http.StatusForbidden,
			func(t *testing.T, body map[string]interface{}, _ *httptest.ResponseRecorder) {
				if body["limit"] != float64(50) {
					t.Errorf("body = %v", body)
				}
			}},
		{"share forbidden", service.ErrShareForbidden, http.StatusForbidden,
			func(t *testing.T, body map[string]interface{}, _ *httptest.ResponseRecorder) {
				if body["error"] != service.ErrShareForbidden.Error() {
					t.Errorf("body = %v", body)
				}
			}},
		{"passcode", &service.AccessError{Kind: service.AccessPasscodeRequired, Document: "vault"}, http.StatusForbidden,
			func(t *testing.T, body map[string]interface{}, _ *httptest.ResponseRecorder) {
				if body["requires_passcode"] != true || body["document"] != "vault" {
					t.Errorf("body = %v", body)
				}
				if _, ok := body["requires_auth"]; ok {
					t.Errorf("unexpected requires_auth in %v", body)
				}
			}},
		{"auth", &service.AccessError{Kind: service.AccessAuthRequired, Document: "members"}, http.StatusForbidden,
			func(t *testing.T, body map[string]interface{}, _ *httptest.ResponseRecorder) {
				if body["requires_auth"] != true {
					t.Errorf("body = %v", body)
				}
			}},
		{"stage", &service.StageError{Stage: service.StageRetrieval, Err: errors.New("es down")}, http.StatusInternalServerError,
			func(t *testing.T, body map[string]interface{}, _ *httptest.ResponseRecorder) {
				if body["stage"] != "retrieval" || body["details"] != "es down" {
					t.Errorf("body = %v", body)
				}
			}},
		{"unknown", errors.New("boom"), http.StatusInternalServerError,
			func(t *testing.T, body map[string]interface{}, _ *httptest.ResponseRecorder) {
				if body["error"] != "internal server error" {
					t.Errorf("body = %v", body)
				}
			}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(&stubChat{prepareErr: tt.err}, &stubConversations{})
			w := doJSON(r, http.MethodPost, "/api/v1/chat", `{"message":"hello"}`, nil)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			tt.check(t, decode(t, w), w)
		})
	}
}

func TestStreamPolicyErrorIsPlainJSON(t *testing.T) {
	chat := &stubChat{prepareErr: &service.AccessError{Kind: service.AccessPasscodeRequired, Document: "vault"}}
	r := newTestRouter(chat, &stubConversations{})

	w := doJSON(r, http.MethodPost, "/api/v1/chat/stream", `{"message":"hello","doc":"vault"}`, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); strings.Contains(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q, want JSON", ct)
	}
	if body := decode(t, w); body["requires_passcode"] != true {
		t.Errorf("body = %v", body)
	}
}

func TestStreamEvents(t *testing.T) {
	chat := &stubChat{fragments: []string{"Use ", "the portal."}}
	r := newTestRouter(chat, &stubConversations{})

	w := doJSON(r, http.MethodPost, "/api/v1/chat/stream", `{"message":"hello"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	out := w.Body.String()
	if strings.Count(out, "event:content") != 2 {
		t.Errorf("content events in %q", out)
	}
	if !strings.Contains(out, "event:done") || !strings.Contains(out, `"conversationId":42`) || !strings.Contains(out, `"shareToken":"share-token"`) {
		t.Errorf("done event missing in %q", out)
	}
	if strings.Index(out, "event:done") < strings.LastIndex(out, "event:content") {
		t.Error("done event precedes content")
	}
}

func TestStreamGenerationError(t *testing.T) {
	chat := &stubChat{fragments: []string{"partial"}, streamErr: &service.StageError{Stage: service.StageGeneration, Err: errors.New("upstream 502")}}
	r := newTestRouter(chat, &stubConversations{})

	w := doJSON(r, http.MethodPost, "/api/v1/chat/stream", `{"message":"hello"}`, nil)
	out := w.Body.String()
	if !strings.Contains(out, "event:error") || !strings.Contains(out, `"stage":"generation"`) {
		t.Errorf("error event missing in %q", out)
	}
	if strings.Contains(out, "event:done") {
		t.Errorf("unexpected done event in %q", out)
	}
}

func TestWebSocketFrames(t *testing.T) {
	chat := &stubChat{fragments: []string{"a", "b"}}
	srv := httptest.NewServer(newTestRouter(chat, &stubConversations{}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"message": "hello"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var types []string
	for {
		var frame map[string]interface{}
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read: %v", err)
		}
		types = append(types, frame["type"].(string))
		if frame["type"] == "done" {
			if frame["conversationId"] != float64(42) {
				t.Errorf("done frame = %v", frame)
			}
			break
		}
	}
	if strings.Join(types, ",") != "content,content,done" {
		t.Errorf("frames = %v", types)
	}

	// 无法解析的帧以 error 帧返回，连接保持可用
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var frame map[string]interface{}
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame["type"] != "error" || frame["code"] != "missing_message" {
		t.Errorf("error frame = %v", frame)
	}
}

func TestShareEndpoints(t *testing.T) {
	conv := &stubConversations{}
	r := newTestRouter(&stubChat{}, conv)

	w := doJSON(r, http.MethodPost, "/api/v1/conversations/7/share", "", map[string]string{SessionHeader: "creator-session"})
	if w.Code != http.StatusOK {
		t.Fatalf("share status = %d", w.Code)
	}
	data := decode(t, w)["data"].(map[string]interface{})
	if data["shareToken"] != "tok-7" {
		t.Errorf("data = %v", data)
	}

	w = doJSON(r, http.MethodPost, "/api/v1/conversations/8/share", `{"sessionId":"creator-session"}`, nil)
	if w.Code != http.StatusOK || conv.sessionID != "creator-session" {
		t.Errorf("share with body session: status = %d session = %q", w.Code, conv.sessionID)
	}

	w = doJSON(r, http.MethodPost, "/api/v1/conversations/7/share", "", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("stranger share status = %d, want 403", w.Code)
	}
	if body := decode(t, w); body["data"] != nil || body["error"] == nil {
		t.Errorf("stranger share body = %v", body)
	}
	if w := doJSON(r, http.MethodPost, "/api/v1/conversations/7/share", "{", nil); w.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d", w.Code)
	}

	if w := doJSON(r, http.MethodPost, "/api/v1/conversations/abc/share", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d", w.Code)
	}

	w = doJSON(r, http.MethodGet, "/api/v1/share/xyz?passcode=letmein", "", nil)
	if w.Code != http.StatusOK || conv.passcode != "letmein" {
		t.Errorf("view status = %d passcode = %q", w.Code, conv.passcode)
	}

	conv.err = &service.ModerationError{Reason: "prompt_injection"}
	if w := doJSON(r, http.MethodPost, "/api/v1/conversations/7/share", "", map[string]string{SessionHeader: "creator-session"}); w.Code != http.StatusForbidden {
		t.Errorf("banned share status = %d", w.Code)
	}
	conv.err = service.ErrConversationNotFound
	if w := doJSON(r, http.MethodGet, "/api/v1/share/missing", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing share status = %d", w.Code)
	}
}

func TestAdminEndpoints(t *testing.T) {
	r := newTestRouter(&stubChat{}, &stubConversations{})

	w := doJSON(r, http.MethodGet, "/api/v1/admin/conversations/5/moderation", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if data := decode(t, w)["data"].(map[string]interface{}); data["banned"] != true {
		t.Errorf("data = %v", data)
	}
	if w := doJSON(r, http.MethodGet, "/api/v1/admin/conversations/6/moderation", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing status = %d", w.Code)
	}

	w = doJSON(r, http.MethodGet, "/api/v1/admin/documents/Handbook/usage", "", nil)
	if data := decode(t, w)["data"].(map[string]interface{}); data["document"] != "handbook" || data["queries"] != float64(4) {
		t.Errorf("usage = %v", data)
	}
}
