package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/webdav-gateway/davengine/internal/auth"
	"github.com/webdav-gateway/davengine/internal/models"
)

const basicRealm = `Basic realm="WebDAV"`

func setUser(c *gin.Context, user *models.User) {
	c.Set(models.ContextKeyUserID, user.ID.String())
	c.Set(models.ContextKeyUsername, user.Username)
	c.Set(models.ContextKeyHomePath, user.HomePath)
}

func unauthorized(c *gin.Context) {
	c.Header("WWW-Authenticate", basicRealm)
	c.AbortWithStatus(http.StatusUnauthorized)
}

// AuthMiddleware 支持 Bearer 令牌和 Basic 认证；允许匿名时未携带凭据的请求以匿名用户访问
func AuthMiddleware(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")

		if authHeader == "" {
			if authService.AnonymousEnabled() {
				setUser(c, authService.AnonymousUser())
				c.Next()
				return
			}
			unauthorized(c)
			return
		}

		switch {
		case strings.HasPrefix(authHeader, "Bearer "):
			user, err := authService.ValidateToken(strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				unauthorized(c)
				return
			}
			setUser(c, user)
		case strings.HasPrefix(authHeader, "Basic "):
			username, password, ok := c.Request.BasicAuth()
			if !ok {
				unauthorized(c)
				return
			}
			user, err := authService.ValidateUser(username, password)
			if err != nil {
				unauthorized(c)
				return
			}
			setUser(c, user)
		default:
			unauthorized(c)
			return
		}

		c.Next()
	}
}

// CORSMiddleware 允许浏览器客户端使用 WebDAV 方法；只拦截预检请求，普通 OPTIONS 交给 WebDAV 处理
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, HEAD, POST, PUT, DELETE, OPTIONS, PROPFIND, PROPPATCH, MKCOL, COPY, MOVE, LOCK, UNLOCK")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, Depth, Destination, Overwrite, If, Lock-Token, Timeout")
		c.Header("Access-Control-Expose-Headers", "Content-Length, Content-Type, Last-Modified, ETag, DAV, Lock-Token")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != "" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
