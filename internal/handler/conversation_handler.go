package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"ragchat-go/internal/middleware"
	"ragchat-go/internal/service"
)

// ConversationHandler 处理对话分享相关的请求。
type ConversationHandler struct {
	conversationService service.ConversationService
}

// NewConversationHandler 创建一个新的 ConversationHandler。
func NewConversationHandler(conversationService service.ConversationService) *ConversationHandler {
	return &ConversationHandler{conversationService: conversationService}
}

// SessionHeader 是携带会话 ID 的请求头，匿名调用方凭它证明自己是对话的创建者。
const SessionHeader = "X-Session-ID"

type shareRequest struct {
	SessionID string `json:"sessionId"`
}

// Share 为一条对话签发分享令牌，重复调用返回同一个令牌。
// 调用方须是记录的登录创建者，或在请求头/请求体中提供记录所属的会话 ID。
func (h *ConversationHandler) Share(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}
	sessionID := c.GetHeader(SessionHeader)
	if sessionID == "" && c.Request.ContentLength != 0 {
		var req shareRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
			return
		}
		sessionID = req.SessionID
	}
	shareToken, err := h.conversationService.IssueShareToken(c.Request.Context(), uint(id), middleware.CurrentUser(c), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    gin.H{"conversationId": uint(id), "shareToken": shareToken},
	})
}

// View 通过分享令牌读取对话。口令可以放在请求头或查询参数中。
func (h *ConversationHandler) View(c *gin.Context) {
	passcode := c.GetHeader(PasscodeHeader)
	if passcode == "" {
		passcode = c.Query("passcode")
	}
	shared, err := h.conversationService.ShareView(c.Request.Context(), c.Param("token"), middleware.CurrentUser(c), passcode)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    shared,
	})
}
