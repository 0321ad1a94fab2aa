package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/webdav-gateway/davengine/internal/config"
	"github.com/webdav-gateway/davengine/internal/models"
	"github.com/webdav-gateway/davengine/internal/webdav/utils"
)

// 错误定义
var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// userNamespace 由用户名派生稳定的用户ID
var userNamespace = uuid.MustParse("5f0c6b1e-2d7a-4c8e-9b3f-8a1d2e4c6f70")

// JWTClaims JWT令牌声明
type JWTClaims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Service 认证服务，用户来自配置文件
type Service struct {
	users         map[string]*models.User
	secret        []byte
	expiry        time.Duration
	anonymous     bool
	anonymousHome string
	now           func() time.Time
}

// NewService 创建认证服务
func NewService(cfg config.AuthConfig) (*Service, error) {
	s := &Service{
		users:         make(map[string]*models.User, len(cfg.Users)),
		secret:        []byte(cfg.JWTSecret),
		expiry:        cfg.TokenExpiry,
		anonymous:     cfg.Anonymous,
		anonymousHome: utils.CleanPath(cfg.AnonymousHome),
		now:           time.Now,
	}
	if s.expiry <= 0 {
		s.expiry = 24 * time.Hour
	}
	for _, u := range cfg.Users {
		if _, dup := s.users[u.Username]; dup {
			return nil, fmt.Errorf("duplicate user %q", u.Username)
		}
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("user %q: invalid bcrypt hash: %w", u.Username, err)
		}
		home := "/"
		if u.Home != "" {
			home = utils.CleanPath(u.Home)
		}
		s.users[u.Username] = &models.User{
			ID:           uuid.NewSHA1(userNamespace, []byte(u.Username)),
			Username:     u.Username,
			DisplayName:  u.DisplayName,
			HomePath:     home,
			PasswordHash: u.PasswordHash,
		}
	}
	return s, nil
}

// HashPassword 生成 bcrypt 哈希，供配置用户时使用
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Users 所有已配置的用户
func (s *Service) Users() []*models.User {
	out := make([]*models.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	return out
}

// AnonymousEnabled 是否允许匿名访问
func (s *Service) AnonymousEnabled() bool {
	return s.anonymous
}

// AnonymousUser 匿名访问使用的用户
func (s *Service) AnonymousUser() *models.User {
	return &models.User{
		ID:        uuid.Nil,
		Username:  "anonymous",
		HomePath:  s.anonymousHome,
		Anonymous: true,
	}
}

// ValidateUser 验证用户凭据
func (s *Service) ValidateUser(username, password string) (*models.User, error) {
	user, ok := s.users[username]
	if !ok {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// Login 验证凭据并签发令牌
func (s *Service) Login(username, password string) (*models.UserLoginResponse, error) {
	user, err := s.ValidateUser(username, password)
	if err != nil {
		return nil, err
	}
	token, err := s.GenerateToken(user)
	if err != nil {
		return nil, err
	}
	return &models.UserLoginResponse{
		Token:     token,
		ExpiresIn: int64(s.expiry / time.Second),
		User:      user,
	}, nil
}

// GenerateToken 生成JWT令牌
func (s *Service) GenerateToken(user *models.User) (string, error) {
	if len(s.secret) == 0 {
		return "", errors.New("jwt secret is not configured")
	}
	now := s.now()
	claims := JWTClaims{
		UserID:   user.ID.String(),
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   user.ID.String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken 校验令牌并返回对应的用户
func (s *Service) ValidateToken(tokenString string) (*models.User, error) {
	if len(s.secret) == 0 {
		return nil, ErrInvalidToken
	}
	claims := &JWTClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	user, ok := s.users[claims.Username]
	if !ok || user.ID.String() != claims.UserID {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// GetUserByUsername 根据用户名获取用户
func (s *Service) GetUserByUsername(username string) (*models.User, error) {
	user, ok := s.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	return user, nil
}
