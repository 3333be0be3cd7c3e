package auth

import (
	"context"
	"crypto/subtle"
	"fmt"

	"github.com/rs/zerolog"

	"ai-trading-engine/config"
	"ai-trading-engine/internal/logging"
)

// Service authenticates the single engine operator and issues tokens
type Service struct {
	enabled      bool
	jwt          *JWTManager
	passwords    *PasswordManager
	username     string
	passwordHash string
	logger       zerolog.Logger
}

// NewService builds the auth service. A plain-text operator password is
// hashed once at startup.
func NewService(cfg config.AuthConfig, bcryptCost int, logger zerolog.Logger) (*Service, error) {
	s := &Service{
		enabled:   cfg.Enabled,
		jwt:       NewJWTManager(cfg.JWTSecret, cfg.AccessTokenDuration),
		passwords: NewPasswordManager(bcryptCost),
		username:  cfg.OperatorUsername,
		logger:    logging.Component(logger, "Auth"),
	}
	if !cfg.Enabled {
		s.logger.Warn().Msg("API authentication disabled")
		return s, nil
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("jwt secret is required when auth is enabled")
	}
	if cfg.OperatorPassword == "" {
		return nil, fmt.Errorf("operator password is required when auth is enabled")
	}

	if IsHash(cfg.OperatorPassword) {
		s.passwordHash = cfg.OperatorPassword
	} else {
		if err := ValidatePasswordStrength(cfg.OperatorPassword); err != nil {
			s.logger.Warn().Err(err).Msg("Operator password is weak")
		}
		hash, err := s.passwords.HashPassword(cfg.OperatorPassword)
		if err != nil {
			return nil, err
		}
		s.passwordHash = hash
	}
	return s, nil
}

// Enabled reports whether requests must carry a token
func (s *Service) Enabled() bool {
	return s.enabled
}

// JWT exposes the token manager for the middleware
func (s *Service) JWT() *JWTManager {
	return s.jwt
}

// Login checks the operator credentials and returns an access token
func (s *Service) Login(ctx context.Context, req LoginRequest) (*TokenResponse, error) {
	if !s.enabled {
		return nil, ErrAuthDisabled
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(s.username)) == 1
	passOK := s.passwords.VerifyPassword(req.Password, s.passwordHash)
	if !userOK || !passOK {
		s.logger.Warn().Str("username", req.Username).Msg("Failed login attempt")
		return nil, ErrInvalidCredentials
	}

	token, err := s.jwt.GenerateAccessToken(OperatorClaims{Username: s.username, Role: RoleOperator})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("username", s.username).Msg("Operator logged in")

	return &TokenResponse{
		AccessToken: token,
		ExpiresIn:   s.jwt.GetAccessTokenDuration(),
		TokenType:   "Bearer",
	}, nil
}
