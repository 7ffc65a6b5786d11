package auth

import (
	"time"
)

// Method represents the type of authentication
type Method string

const (
	MethodBasic        Method = "basic"         // username/password
	MethodClientSecret Method = "client_secret" // client_id/client_secret
	MethodJWT          Method = "jwt"           // JWT token
)

// Roles understood by HasPermission. Client scopes use the same names.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// Resources and actions guarded by the API.
const (
	ResourceBatch    = "batch"
	ResourceWorkItem = "workitem"

	ActionRead  = "read"
	ActionWrite = "write"
)

// Result represents the result of authentication
type Result struct {
	Success  bool     `json:"success"`
	Subject  string   `json:"subject,omitempty"`
	Username string   `json:"username,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	Token    *Token   `json:"token,omitempty"`
}

// Token represents a JWT token
type Token struct {
	Type      string    `json:"type"`  // "Bearer"
	Value     string    `json:"value"` // JWT token string
	ExpiresAt time.Time `json:"expires_at"`
}

// LoginRequest represents a login request
type LoginRequest struct {
	Method       Method `json:"method"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	Token        string `json:"token,omitempty"`
}

// Permission represents a permission in the system
type Permission struct {
	Resource string `json:"resource"` // e.g. "batch", "workitem"
	Action   string `json:"action"`   // "read" or "write"
}
