package auth

import (
	"errors"
	"fmt"
	"slices"

	"github.com/loykin/scriptbatch/internal/config"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnknownRole        = errors.New("unknown role")
)

// User is an API user with a bcrypt password hash.
type User struct {
	Username     string
	PasswordHash string
	Roles        []string
}

// ClientCredential authenticates automation with a shared secret.
type ClientCredential struct {
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// Store holds the credentials declared in [server.auth]. It is read-only
// after construction.
type Store struct {
	users   map[string]User
	clients map[string]ClientCredential
}

func NewStore(users []config.AuthUser, clients []config.AuthClient) (*Store, error) {
	s := &Store{
		users:   make(map[string]User, len(users)),
		clients: make(map[string]ClientCredential, len(clients)),
	}
	for _, u := range users {
		if err := checkRoles(u.Roles); err != nil {
			return nil, err
		}
		s.users[u.Username] = User{Username: u.Username, PasswordHash: u.PasswordHash, Roles: slices.Clone(u.Roles)}
	}
	for _, c := range clients {
		if err := checkRoles(c.Scopes); err != nil {
			return nil, err
		}
		s.clients[c.ClientID] = ClientCredential{ClientID: c.ClientID, ClientSecret: c.ClientSecret, Scopes: slices.Clone(c.Scopes)}
	}
	return s, nil
}

func (s *Store) User(username string) (User, bool) {
	u, ok := s.users[username]
	return u, ok
}

func (s *Store) Client(clientID string) (ClientCredential, bool) {
	c, ok := s.clients[clientID]
	return c, ok
}

func checkRoles(roles []string) error {
	for _, r := range roles {
		if _, ok := rolePermissions[r]; !ok {
			return fmt.Errorf("%w %q", ErrUnknownRole, r)
		}
	}
	return nil
}
