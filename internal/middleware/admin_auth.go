package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"ragchat-go/pkg/log"
)

// AdminAuthMiddleware 只放行管理员，必须挂在 AuthMiddleware 之后。
func AdminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := CurrentUser(c)
		switch {
		case user == nil:
			// 路由顺序错误才会走到这里
			log.Errorf("[AdminAuth] %s 未经过身份认证中间件", c.FullPath())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		case !user.IsAdmin():
			log.Warnf("[AdminAuth] 用户 %s 尝试访问管理接口 %s", user.Username, c.FullPath())
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin role required"})
		default:
			c.Next()
		}
	}
}
