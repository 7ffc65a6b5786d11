package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/scriptbatch/internal/config"
)

const issuer = "scriptbatch"

// Service authenticates API callers against the configured credentials
// and issues HS256 tokens.
type Service struct {
	store     *Store
	jwtSecret []byte
	tokenTTL  time.Duration
}

// Claims represents JWT claims
type Claims struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

// New creates the service from [server.auth]. Without a jwt_secret a random
// one is generated, so tokens do not survive a restart.
func New(cfg config.AuthConfig) (*Service, error) {
	store, err := NewStore(cfg.Users, cfg.Clients)
	if err != nil {
		return nil, err
	}

	jwtSecret := []byte(cfg.JWTSecret)
	if len(jwtSecret) == 0 {
		jwtSecret = make([]byte, 32)
		if _, err := rand.Read(jwtSecret); err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
	}

	tokenTTL := cfg.TokenTTL
	if tokenTTL == 0 {
		tokenTTL = 24 * time.Hour
	}

	return &Service{store: store, jwtSecret: jwtSecret, tokenTTL: tokenTTL}, nil
}

// Authenticate performs authentication based on the login request.
// Basic and client secret logins return a fresh token.
func (s *Service) Authenticate(ctx context.Context, req LoginRequest) (*Result, error) {
	switch req.Method {
	case MethodBasic:
		return s.authenticateBasic(ctx, req.Username, req.Password)
	case MethodClientSecret:
		return s.authenticateClientSecret(ctx, req.ClientID, req.ClientSecret)
	case MethodJWT:
		return s.authenticateJWT(ctx, req.Token)
	default:
		return &Result{Success: false}, fmt.Errorf("unsupported auth method: %s", req.Method)
	}
}

func (s *Service) authenticateBasic(_ context.Context, username, password string) (*Result, error) {
	if username == "" || password == "" {
		return &Result{Success: false}, ErrInvalidCredentials
	}
	user, ok := s.store.User(username)
	if !ok {
		return &Result{Success: false}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return &Result{Success: false}, ErrInvalidCredentials
	}
	return s.issue("user:"+user.Username, user.Username, user.Roles)
}

func (s *Service) authenticateClientSecret(_ context.Context, clientID, clientSecret string) (*Result, error) {
	if clientID == "" || clientSecret == "" {
		return &Result{Success: false}, ErrInvalidCredentials
	}
	client, ok := s.store.Client(clientID)
	if !ok {
		return &Result{Success: false}, ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(client.ClientSecret), []byte(clientSecret)) != 1 {
		return &Result{Success: false}, ErrInvalidCredentials
	}
	// scopes act as roles for clients
	return s.issue("client:"+client.ClientID, client.ClientID, client.Scopes)
}

func (s *Service) authenticateJWT(_ context.Context, tokenString string) (*Result, error) {
	if tokenString == "" {
		return &Result{Success: false}, ErrInvalidCredentials
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil {
		return &Result{Success: false}, ErrInvalidCredentials
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return &Result{Success: false}, ErrInvalidCredentials
	}

	return &Result{
		Success:  true,
		Subject:  claims.Subject,
		Username: claims.Username,
		Roles:    claims.Roles,
	}, nil
}

func (s *Service) issue(subject, username string, roles []string) (*Result, error) {
	token, err := s.generateJWT(subject, username, roles)
	if err != nil {
		return &Result{Success: false}, fmt.Errorf("failed to generate token: %w", err)
	}
	return &Result{
		Success:  true,
		Subject:  subject,
		Username: username,
		Roles:    roles,
		Token:    token,
	}, nil
}

func (s *Service) generateJWT(subject, username string, roles []string) (*Token, error) {
	now := time.Now()
	expiresAt := now.Add(s.tokenTTL)

	claims := &Claims{
		Username: username,
		Roles:    roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   subject,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &Token{
		Type:      "Bearer",
		Value:     tokenString,
		ExpiresAt: expiresAt,
	}, nil
}

var rolePermissions = map[string][]Permission{
	RoleAdmin: {
		{Resource: "*", Action: "*"},
	},
	RoleOperator: {
		{Resource: ResourceBatch, Action: ActionRead},
		{Resource: ResourceBatch, Action: ActionWrite},
		{Resource: ResourceWorkItem, Action: ActionRead},
		{Resource: ResourceWorkItem, Action: ActionWrite},
	},
	RoleViewer: {
		{Resource: ResourceBatch, Action: ActionRead},
		{Resource: ResourceWorkItem, Action: ActionRead},
	},
}

// HasPermission reports whether any of roles grants action on resource.
func HasPermission(roles []string, resource, action string) bool {
	for _, role := range roles {
		for _, perm := range rolePermissions[role] {
			if (perm.Resource == "*" || perm.Resource == resource) &&
				(perm.Action == "*" || perm.Action == action) {
				return true
			}
		}
	}
	return false
}

// HashPassword produces the password_hash value for a [[server.auth.users]] entry.
func HashPassword(password string, cost int) (string, error) {
	if password == "" {
		return "", errors.New("password cannot be empty")
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}
