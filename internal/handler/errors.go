package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"ragchat-go/internal/service"
	"ragchat-go/pkg/log"
)

// errorResponse 把流水线错误映射为 HTTP 状态码与结构化的错误体，
// 客户端据此决定补救方式，而不需要解析错误文本。
func errorResponse(err error) (int, gin.H) {
	var (
		ve *service.ValidationError
		re *service.RateLimitError
		qe *service.ConversationQuotaError
		ae *service.AccessError
		me *service.ModerationError
		se *service.StageError
	)
	switch {
	case errors.As(err, &ve):
		body := gin.H{"error": ve.Message, "code": ve.Code}
		if ve.Document != "" {
			body["document"] = ve.Document
		}
		return http.StatusBadRequest, body
	case errors.As(err, &re):
		return http.StatusTooManyRequests, gin.H{
			"error":      "too many requests",
			"reason":     re.Reason,
			"retryAfter": re.RetryAfter,
			"limit":      re.Limit,
			"window":     int(re.Window.Seconds()),
		}
	case errors.As(err, &qe):
		return http.StatusForbidden, gin.H{"error": qe.Error(), "limit": qe.Limit}
	case errors.As(err, &ae):
		body := gin.H{"error": ae.Error(), "document": ae.Document, "reason": string(ae.Kind)}
		switch ae.Kind {
		case service.AccessAuthRequired:
			body["requires_auth"] = true
		case service.AccessPasscodeRequired, service.AccessPasscodeIncorrect:
			body["requires_passcode"] = true
		}
		return http.StatusForbidden, body
	case errors.As(err, &me):
		return http.StatusForbidden, gin.H{"error": me.Error()}
	case errors.Is(err, service.ErrShareForbidden):
		return http.StatusForbidden, gin.H{"error": service.ErrShareForbidden.Error()}
	case errors.Is(err, service.ErrConversationNotFound):
		return http.StatusNotFound, gin.H{"error": "conversation not found"}
	case errors.As(err, &se):
		return http.StatusInternalServerError, gin.H{"error": se.Stage + " failed", "stage": se.Stage, "details": se.Err.Error()}
	default:
		return http.StatusInternalServerError, gin.H{"error": "internal server error", "details": err.Error()}
	}
}

// writeError 写出错误响应，5xx 记录为错误日志。
func writeError(c *gin.Context, err error) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		log.Errorw("request failed", "path", c.Request.URL.Path, "requestId", c.GetString("requestId"), "error", err)
	}
	if retry, ok := body["retryAfter"].(int); ok {
		c.Header("Retry-After", strconv.Itoa(retry))
	}
	c.AbortWithStatusJSON(status, body)
}
