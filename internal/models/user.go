package models

import (
	"github.com/google/uuid"
)

// gin 上下文中保存的认证信息
const (
	ContextKeyUserID   = "userID"
	ContextKeyUsername = "username"
	ContextKeyHomePath = "homePath"
)

// User 已认证的用户，HomePath 为其在 WebDAV 命名空间中的根目录
type User struct {
	ID           uuid.UUID `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	HomePath     string    `json:"home_path"`
	PasswordHash string    `json:"-"`
	Anonymous    bool      `json:"anonymous,omitempty"`
}

type UserLoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type UserLoginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
	User      *User  `json:"user"`
}
