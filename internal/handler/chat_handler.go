// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"ragchat-go/internal/middleware"
	"ragchat-go/internal/service"
	"ragchat-go/pkg/log"
)

// PasscodeHeader 是携带文档口令的请求头。
const PasscodeHeader = "X-Document-Passcode"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// ChatHandler 负责缓冲、SSE 与 WebSocket 三种聊天入口。
type ChatHandler struct {
	chatService service.ChatService
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(chatService service.ChatService) *ChatHandler {
	return &ChatHandler{chatService: chatService}
}

// bindChatRequest 解析请求体，查询参数 doc/embedding 与口令头优先。
func bindChatRequest(c *gin.Context) (service.ChatRequest, error) {
	var req service.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return req, &service.ValidationError{Code: service.CodeMissingMessage, Message: "invalid request payload"}
	}
	applyRequestContext(c, &req)
	return req, nil
}

func applyRequestContext(c *gin.Context, req *service.ChatRequest) {
	if doc := c.Query("doc"); doc != "" {
		req.Documents = doc
	}
	if space := c.Query("embedding"); space != "" {
		req.Embedding = space
	}
	if pc := c.GetHeader(PasscodeHeader); pc != "" {
		req.Passcode = pc
	}
	req.User = middleware.CurrentUser(c)
}

// Chat 处理缓冲请求，返回完整回答。
func (h *ChatHandler) Chat(c *gin.Context) {
	req, err := bindChatRequest(c)
	if err != nil {
		writeError(c, err)
		return
	}
	resp, err := h.chatService.Chat(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// sseSink 把生成片段写成 SSE content 事件。
type sseSink struct {
	c *gin.Context
}

func (s sseSink) Content(fragment string) error {
	if err := s.c.Request.Context().Err(); err != nil {
		return err
	}
	s.c.SSEvent("content", gin.H{"content": fragment})
	s.c.Writer.Flush()
	return nil
}

// Stream 处理 SSE 流式请求。前置检查失败时直接返回 JSON 错误，不写事件头。
func (h *ChatHandler) Stream(c *gin.Context) {
	req, err := bindChatRequest(c)
	if err != nil {
		writeError(c, err)
		return
	}
	ctx := c.Request.Context()
	prepared, err := h.chatService.Prepare(ctx, req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	done, err := h.chatService.StreamAnswer(ctx, prepared, sseSink{c: c})
	if ctx.Err() != nil {
		// 客户端已断开，无需再写
		return
	}
	if err != nil {
		_, body := errorResponse(err)
		log.Warnw("[ChatHandler] 流式生成失败", "session", prepared.SessionID, "error", err)
		c.SSEvent("error", body)
		c.Writer.Flush()
		return
	}
	c.SSEvent("done", done)
	c.Writer.Flush()
}

// wsFrame 是 WebSocket 出站帧。
type wsFrame map[string]interface{}

// wsSink 把片段写成 content 帧，只在处理协程中调用。
type wsSink struct {
	conn *websocket.Conn
}

func (s wsSink) Content(fragment string) error {
	return writeFrame(s.conn, wsFrame{"type": "content", "content": fragment})
}

func writeFrame(conn *websocket.Conn, frame wsFrame) error {
	b, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}

// wsStream 保存当前正在进行的生成，以便 stop 指令取消它。
type wsStream struct {
	mu     sync.Mutex
	cancel context.CancelFunc
}

func (s *wsStream) set(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
}

func (s *wsStream) stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
}

// HandleWS 处理 WebSocket 连接。每个入站文本帧是一个 ChatRequest，
// {"type":"stop"} 会中断当前的生成。
func (h *ChatHandler) HandleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	connCtx, cancelConn := context.WithCancel(c.Request.Context())
	defer cancelConn()

	stream := &wsStream{}
	incoming := make(chan []byte, 4)
	go func() {
		defer close(incoming)
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				cancelConn()
				stream.stop()
				return
			}
			if isStopFrame(message) {
				stream.stop()
				continue
			}
			select {
			case incoming <- message:
			case <-connCtx.Done():
				return
			}
		}
	}()

	for message := range incoming {
		var req service.ChatRequest
		if err := json.Unmarshal(message, &req); err != nil {
			_, body := errorResponse(&service.ValidationError{Code: service.CodeMissingMessage, Message: "invalid request payload"})
			body["type"] = "error"
			if writeFrame(conn, wsFrame(body)) != nil {
				return
			}
			continue
		}
		applyRequestContext(c, &req)

		if err := h.streamOne(connCtx, conn, stream, req); err != nil {
			log.Warnf("[ChatHandler] WebSocket 写入失败: %v", err)
			return
		}
	}
}

// streamOne 处理一次请求，只有写连接失败时才返回错误。
func (h *ChatHandler) streamOne(connCtx context.Context, conn *websocket.Conn, stream *wsStream, req service.ChatRequest) error {
	prepared, err := h.chatService.Prepare(connCtx, req)
	if err != nil {
		_, body := errorResponse(err)
		body["type"] = "error"
		return writeFrame(conn, wsFrame(body))
	}

	ctx, cancel := context.WithCancel(connCtx)
	stream.set(cancel)
	defer func() {
		stream.set(nil)
		cancel()
	}()

	done, err := h.chatService.StreamAnswer(ctx, prepared, wsSink{conn: conn})
	if connCtx.Err() != nil {
		return connCtx.Err()
	}
	if err != nil {
		_, body := errorResponse(err)
		body["type"] = "error"
		if errors.Is(err, context.Canceled) {
			body["stopped"] = true
		}
		return writeFrame(conn, wsFrame(body))
	}

	b, err := json.Marshal(done)
	if err != nil {
		return err
	}
	frame := wsFrame{}
	if err := json.Unmarshal(b, &frame); err != nil {
		return err
	}
	frame["type"] = "done"
	return writeFrame(conn, frame)
}

func isStopFrame(message []byte) bool {
	trimmed := strings.TrimSpace(string(message))
	if !strings.HasPrefix(trimmed, "{") {
		return false
	}
	var ctrl struct {
		Type string `json:"type"`
	}
	return json.Unmarshal(message, &ctrl) == nil && ctrl.Type == "stop"
}
