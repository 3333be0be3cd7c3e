package auth

// OperatorClaims represents the JWT claims for an engine operator
type OperatorClaims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

// RoleOperator is the only role the engine issues today
const RoleOperator = "operator"

// LoginRequest represents an operator login request
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// TokenResponse is returned on a successful login
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"` // Access token expiry in seconds
	TokenType   string `json:"token_type"` // Always "Bearer"
}

// Error types for authentication
type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e AuthError) Error() string {
	return e.Message
}

var (
	ErrInvalidCredentials = AuthError{Code: "INVALID_CREDENTIALS", Message: "invalid username or password"}
	ErrInvalidToken       = AuthError{Code: "INVALID_TOKEN", Message: "invalid or expired token"}
	ErrTokenExpired       = AuthError{Code: "TOKEN_EXPIRED", Message: "token has expired"}
	ErrUnauthorized       = AuthError{Code: "UNAUTHORIZED", Message: "unauthorized access"}
	ErrAuthDisabled       = AuthError{Code: "AUTH_DISABLED", Message: "authentication is disabled"}
)
