// Package auth signs operator access tokens and re-verifies privileged
// credentials for approvals at the register.
package auth

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"cajapos/backend/internal/apperror"
	"cajapos/backend/internal/domain"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type UserStore interface {
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
}

type Manager struct {
	mu         sync.RWMutex
	secret     []byte
	tokenTTL   time.Duration
	managerPIN string
	userStore  UserStore
	users      map[string]credential
}

type credential struct {
	password string
	role     string
	active   bool
}

type posClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

// ManagerPINActor is reported as approver when the manager PIN was used.
const ManagerPINActor = "manager-pin"

func NewManager(ctx context.Context, secret string, tokenTTL time.Duration, managerPIN string, userStore UserStore) *Manager {
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	hashedPIN := ""
	if pin := strings.TrimSpace(managerPIN); pin != "" {
		if hash, err := HashPassword(pin); err == nil {
			hashedPIN = hash
		}
	}

	manager := &Manager{
		secret:     []byte(secret),
		tokenTTL:   tokenTTL,
		managerPIN: hashedPIN,
		userStore:  userStore,
		users:      make(map[string]credential),
	}
	manager.Reload(ctx)
	return manager
}

func (m *Manager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	m.Reload(ctx)
	username := strings.ToLower(strings.TrimSpace(req.Username))
	m.mu.RLock()
	cred, ok := m.users[username]
	m.mu.RUnlock()
	if !ok || !verifyPassword(cred.password, req.Password) {
		return domain.LoginResponse{}, ErrInvalidCredentials
	}
	if !cred.active {
		return domain.LoginResponse{}, errors.New("account is inactive")
	}

	expiresAt := time.Now().UTC().Add(m.tokenTTL)
	token, err := m.sign(username, cred.role, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	return domain.LoginResponse{
		AccessToken: token,
		Role:        cred.role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (m *Manager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &posClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	return domain.Actor{Username: sub, Role: claims.Role}, nil
}

// VerifyPrivileged accepts the manager PIN or the password of any active
// admin or manager account. Any mismatch is the same AuthorizationError.
func (m *Manager) VerifyPrivileged(ctx context.Context, secret string) (domain.Actor, error) {
	input := strings.TrimSpace(secret)
	if input == "" {
		return domain.Actor{}, apperror.Unauthorized()
	}
	if m.managerPIN != "" && bcrypt.CompareHashAndPassword([]byte(m.managerPIN), []byte(input)) == nil {
		return domain.Actor{Username: ManagerPINActor, Role: domain.RoleManager}, nil
	}

	m.Reload(ctx)
	m.mu.RLock()
	names := make([]string, 0, len(m.users))
	for username, cred := range m.users {
		if cred.active && (cred.role == domain.RoleAdmin || cred.role == domain.RoleManager) {
			names = append(names, username)
		}
	}
	m.mu.RUnlock()
	sort.Strings(names)

	for _, username := range names {
		m.mu.RLock()
		cred := m.users[username]
		m.mu.RUnlock()
		if verifyPassword(cred.password, input) {
			return domain.Actor{Username: username, Role: cred.role}, nil
		}
	}
	return domain.Actor{}, apperror.Unauthorized()
}

func (m *Manager) sign(username, role string, expiresAt time.Time) (string, error) {
	claims := posClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "cajapos",
		},
		Role: role,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Reload refreshes the credential cache from the user store. Accounts whose
// stored password is not a bcrypt hash are ignored.
func (m *Manager) Reload(ctx context.Context) {
	if m.userStore == nil {
		return
	}
	users, err := m.userStore.ListUsers(ctx)
	if err != nil || len(users) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range users {
		username := strings.ToLower(strings.TrimSpace(user.Username))
		if username == "" || !isPasswordHash(user.Password) {
			continue
		}
		m.users[username] = credential{
			password: user.Password,
			role:     user.Role,
			active:   user.Active,
		}
	}
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
