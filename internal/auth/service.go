package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"EgoMarket/pkg/logger"

	"github.com/benbjohnson/clock"
)

// 常量定义。
const (
	tokenTypeAccess = "access"
	jwtHeaderJSON   = `{"alg":"HS256","typ":"JWT"}`
	// DevActorHeader 在关闭认证时指定调用方，只用于本地调试。
	DevActorHeader = "X-EgoMarket-Actor"
)

// encodedJWTHeader 是编码后的 JWT 头部。
var encodedJWTHeader = base64.RawURLEncoding.EncodeToString([]byte(jwtHeaderJSON))

// Service 负责 HTTP 端点的身份验证和授权。
type Service struct {
	mode   Mode
	tokens map[string]*Subject
	jwt    *jwtManager
	audit  *slog.Logger
	clock  clock.Clock
}

// Option 定制 Service。
type Option func(*Service)

// WithClock 替换时钟，主要用于测试令牌过期。
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config, opts ...Option) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{
		mode:   mode,
		tokens: make(map[string]*Subject),
		audit:  logger.Audit(),
		clock:  clock.New(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeStatic:
		if len(cfg.Tokens) == 0 {
			return nil, errors.New("static mode requires at least one token")
		}
		for _, t := range cfg.Tokens {
			token := strings.TrimSpace(t.Token)
			if token == "" || strings.TrimSpace(t.Subject) == "" {
				return nil, errors.New("static token and subject must be set")
			}
			subject := &Subject{ID: t.Subject, Roles: t.Roles, Permissions: t.Permissions, Disabled: t.Disabled}
			subject.normalise()
			svc.tokens[token] = subject
		}
	case ModeJWT:
		if strings.TrimSpace(cfg.JWT.Secret) == "" {
			return nil, errors.New("jwt secret must be configured")
		}
		if cfg.JWT.AccessTTL <= 0 {
			cfg.JWT.AccessTTL = 3600
		}
		svc.jwt = &jwtManager{
			secret:    []byte(cfg.JWT.Secret),
			issuer:    cfg.JWT.Issuer,
			audience:  cfg.JWT.Audience,
			accessTTL: time.Duration(cfg.JWT.AccessTTL) * time.Second,
			clock:     svc.clock,
		}
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Mode)
	}
	return svc, nil
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Issue 为 subject 签发访问令牌，仅 JWT 模式可用。
func (s *Service) Issue(subject *Subject) (*Token, error) {
	if s == nil || s.mode != ModeJWT || s.jwt == nil {
		return nil, ErrDisabled
	}
	return s.jwt.Generate(subject)
}

// AuthenticateRequest 解析 Authorization 头并返回调用方。
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}
	switch s.mode {
	case ModeStatic:
		return s.verifyStatic(token)
	case ModeJWT:
		return s.verifyJWT(token)
	default:
		return nil, ErrDisabled
	}
}

// verifyStatic 以常量时间比较查找预共享令牌。
func (s *Service) verifyStatic(token string) (*Subject, error) {
	var found *Subject
	for known, subject := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			found = subject
		}
	}
	if found == nil {
		return nil, ErrInvalidToken
	}
	if found.Disabled {
		return nil, ErrSubjectRevoked
	}
	return found.Clone(), nil
}

// verifyJWT 验证 JWT 令牌并返回相应的主体信息。
func (s *Service) verifyJWT(token string) (*Subject, error) {
	if s.jwt == nil {
		return nil, errors.New("jwt manager not initialised")
	}
	claims, err := s.jwt.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != tokenTypeAccess || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	subject := &Subject{ID: claims.Subject, Roles: claims.Roles, Permissions: claims.Permissions}
	subject.normalise()
	return subject, nil
}

// jwtManager 负责 JWT 令牌的签名和验证。
type jwtManager struct {
	secret    []byte
	issuer    string
	audience  []string
	accessTTL time.Duration
	clock     clock.Clock
}

// jwtClaims 定义 JWT 令牌的声明结构。
type jwtClaims struct {
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	TokenType   string   `json:"type"`
	Subject     string   `json:"sub"`
	Issuer      string   `json:"iss,omitempty"`
	Audience    []string `json:"aud,omitempty"`
	IssuedAt    int64    `json:"iat,omitempty"`
	ExpiresAt   int64    `json:"exp,omitempty"`
}

// Generate 生成访问令牌。
func (m *jwtManager) Generate(subject *Subject) (*Token, error) {
	if subject == nil || subject.ID == "" {
		return nil, errors.New("subject required")
	}
	now := m.clock.Now().Unix()
	claims := jwtClaims{
		Roles:       append([]string(nil), subject.Roles...),
		Permissions: append([]string(nil), subject.Permissions...),
		TokenType:   tokenTypeAccess,
		Subject:     subject.ID,
		Issuer:      m.issuer,
		Audience:    append([]string(nil), m.audience...),
		IssuedAt:    now,
		ExpiresAt:   now + int64(m.accessTTL.Seconds()),
	}
	token, err := m.sign(claims)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	return &Token{AccessToken: token, ExpiresIn: int64(m.accessTTL.Seconds()), TokenType: "Bearer"}, nil
}

// sign 使用 HMAC-SHA256 签名 JWT 令牌。
func (m *jwtManager) sign(claims jwtClaims) (string, error) {
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("encode claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signature := m.signature(encodedJWTHeader, payload)
	return strings.Join([]string{encodedJWTHeader, payload, base64.RawURLEncoding.EncodeToString(signature)}, "."), nil
}

// signature 计算 JWT 令牌的签名部分。
func (m *jwtManager) signature(header, payload string) []byte {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(header))
	mac.Write([]byte("."))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

// Verify 验证 JWT 令牌的有效性并返回其声明。
func (m *jwtManager) Verify(token string) (*jwtClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}
	expected := m.signature(parts[0], parts[1])
	actual, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrInvalidToken
	}
	if subtle.ConstantTimeCompare(expected, actual) != 1 {
		return nil, ErrInvalidToken
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var claims jwtClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrInvalidToken
	}

	if claims.ExpiresAt != 0 && m.clock.Now().Unix() > claims.ExpiresAt {
		return nil, ErrInvalidToken
	}
	if m.issuer != "" && claims.Issuer != "" && !strings.EqualFold(m.issuer, claims.Issuer) {
		return nil, ErrInvalidToken
	}
	if len(m.audience) > 0 && len(claims.Audience) > 0 && !audienceMatches(m.audience, claims.Audience) {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

func audienceMatches(expected, provided []string) bool {
	for _, want := range expected {
		for _, got := range provided {
			if strings.EqualFold(strings.TrimSpace(want), strings.TrimSpace(got)) {
				return true
			}
		}
	}
	return false
}
