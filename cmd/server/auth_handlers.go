package main

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/webdav-gateway/davengine/internal/auth"
	"github.com/webdav-gateway/davengine/internal/models"
)

// handleLogin 用户名密码换取 Bearer 令牌
func handleLogin(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.UserLoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		resp, err := authService.Login(req.Username, req.Password)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidCredentials) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username or password"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

// handleGetMe 当前用户信息
func handleGetMe(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		username := c.GetString(models.ContextKeyUsername)
		user, err := authService.GetUserByUsername(username)
		if err != nil {
			if authService.AnonymousEnabled() && username == authService.AnonymousUser().Username {
				c.JSON(http.StatusOK, authService.AnonymousUser())
				return
			}
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusOK, user)
	}
}
