// Package middleware 存放 Gin 框架的中间件。
package middleware

import (
	"bytes"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"
	"ragchat-go/pkg/log"
)

// RequestIDHeader 是请求 ID 的响应头。
const RequestIDHeader = "X-Request-ID"

// maxLoggedBody 是日志中记录的请求/响应体的最大字节数。
const maxLoggedBody = 4096

// bodyLogWriter 用于捕获响应体
type bodyLogWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

// Write 实现了 io.Writer 接口，将响应写入 gin.ResponseWriter 和一个内部的 buffer
func (w bodyLogWriter) Write(b []byte) (int, error) {
	if w.body.Len() < maxLoggedBody {
		w.body.Write(b)
	}
	return w.ResponseWriter.Write(b)
}

// RequestLogger 是一个 Gin 中间件，为每个请求分配 ID 并记录请求日志。
// 流式与 WebSocket 请求不捕获响应体。
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = ulid.Make().String()
		}
		c.Set("requestId", requestID)
		c.Header(RequestIDHeader, requestID)

		streaming := isStreaming(c)

		var requestBody []byte
		if c.Request.Body != nil && !streaming {
			requestBody, _ = io.ReadAll(c.Request.Body)
			// 将读取的请求体重新设置回 c.Request.Body，以便后续处理函数可以正常读取
			c.Request.Body = io.NopCloser(bytes.NewBuffer(requestBody))
		}

		var blw *bodyLogWriter
		if !streaming {
			blw = &bodyLogWriter{body: bytes.NewBufferString(""), ResponseWriter: c.Writer}
			c.Writer = blw
		}

		c.Next()

		fields := []interface{}{
			"requestId", requestID,
			"statusCode", c.Writer.Status(),
			"latency", time.Since(startTime).String(),
			"clientIP", c.ClientIP(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
		}
		if !streaming {
			fields = append(fields,
				"requestBody", truncate(redact(string(requestBody))),
				"responseBody", truncate(blw.body.String()),
			)
		}
		log.Infow("HTTP Request Log", fields...)
	}
}

func isStreaming(c *gin.Context) bool {
	if strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
		return true
	}
	return strings.HasSuffix(c.Request.URL.Path, "/stream") ||
		strings.Contains(c.GetHeader("Accept"), "text/event-stream")
}

func truncate(s string) string {
	if len(s) > maxLoggedBody {
		return s[:maxLoggedBody] + "…"
	}
	return s
}

var rePasscode = regexp.MustCompile(`"passcode"\s*:\s*"[^"]*"`)

// redact 隐去请求体中的文档口令。
func redact(s string) string {
	return rePasscode.ReplaceAllString(s, `"passcode":"***"`)
}
