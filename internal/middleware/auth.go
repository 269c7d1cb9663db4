// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"ragchat-go/internal/model"
	"ragchat-go/internal/service"
	"ragchat-go/pkg/log"
	"ragchat-go/pkg/token"
)

const (
	bearerPrefix = "Bearer "
	userKey      = "user"
)

// AuthMiddleware 创建一个 Gin 中间件，用于 JWT 认证。
// 它会从请求头中提取 token，验证其有效性，并将完整的 User 对象存入 Gin 的上下文中。
func AuthMiddleware(jwtManager *token.JWTManager, userService service.UserService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "请求未包含授权头"})
			return
		}
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "无效的授权头格式"})
			return
		}

		user, err := resolveUser(c, jwtManager, userService, strings.TrimPrefix(authHeader, bearerPrefix))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "无效或已过期的 token"})
			return
		}

		c.Set(userKey, user)
		c.Next()
	}
}

// OptionalAuth 解析可选的 bearer 令牌。缺失或无效的令牌按匿名调用处理，不中止请求。
func OptionalAuth(jwtManager *token.JWTManager, userService service.UserService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if strings.HasPrefix(authHeader, bearerPrefix) {
			user, err := resolveUser(c, jwtManager, userService, strings.TrimPrefix(authHeader, bearerPrefix))
			if err != nil {
				log.Debugf("[Auth] 忽略无效的可选令牌: %v", err)
			} else {
				c.Set(userKey, user)
			}
		}
		c.Next()
	}
}

func resolveUser(c *gin.Context, jwtManager *token.JWTManager, userService service.UserService, tokenString string) (*model.User, error) {
	claims, err := jwtManager.VerifyToken(tokenString)
	if err != nil {
		return nil, err
	}
	// 使用 claims 中的用户名从数据库获取完整的用户信息
	return userService.GetProfile(c.Request.Context(), claims.Username)
}

// CurrentUser 返回上下文中的用户，匿名调用时为 nil。
func CurrentUser(c *gin.Context) *model.User {
	v, ok := c.Get(userKey)
	if !ok {
		return nil
	}
	user, _ := v.(*model.User)
	return user
}
