// Package memory implements the store interfaces in process memory. It
// backs tests and development mode; production uses the postgres store.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/learnforge/lms-auth/internal/domain"
	autherrors "github.com/learnforge/lms-auth/internal/errors"
	"github.com/learnforge/lms-auth/internal/store"
)

// Store implements store.Store with mutex-guarded maps. The single mutex
// gives every multi-row mutation the same atomicity the postgres store gets
// from transactions.
type Store struct {
	mu sync.Mutex

	users         map[uuid.UUID]*domain.User
	usersByEmail  map[string]uuid.UUID
	clients       map[string]*domain.Client
	sessions      map[string]*domain.Session
	authCodes     map[string]*domain.AuthCode
	accessTokens  map[string]*domain.AccessToken
	refreshTokens map[string]*domain.RefreshToken
	consents      map[consentKey]*domain.ConsentGrant
	passwords     map[uuid.UUID]string
	resetTokens   map[uuid.UUID]*domain.PasswordResetToken
}

type consentKey struct {
	userID   uuid.UUID
	clientID string
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		users:         make(map[uuid.UUID]*domain.User),
		usersByEmail:  make(map[string]uuid.UUID),
		clients:       make(map[string]*domain.Client),
		sessions:      make(map[string]*domain.Session),
		authCodes:     make(map[string]*domain.AuthCode),
		accessTokens:  make(map[string]*domain.AccessToken),
		refreshTokens: make(map[string]*domain.RefreshToken),
		consents:      make(map[consentKey]*domain.ConsentGrant),
		passwords:     make(map[uuid.UUID]string),
		resetTokens:   make(map[uuid.UUID]*domain.PasswordResetToken),
	}
}

func (s *Store) Users() store.UserRepository             { return (*userRepository)(s) }
func (s *Store) Clients() store.ClientRepository         { return (*clientRepository)(s) }
func (s *Store) Sessions() store.SessionRepository       { return (*sessionRepository)(s) }
func (s *Store) AuthCodes() store.AuthCodeRepository     { return (*authCodeRepository)(s) }
func (s *Store) Tokens() store.TokenRepository           { return (*tokenRepository)(s) }
func (s *Store) Consents() store.ConsentRepository       { return (*consentRepository)(s) }
func (s *Store) Passwords() store.PasswordRepository     { return (*passwordRepository)(s) }
func (s *Store) ResetTokens() store.ResetTokenRepository { return (*resetTokenRepository)(s) }
func (s *Store) Close() error                            { return nil }

// Users

type userRepository Store

func (r *userRepository) Create(ctx context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.usersByEmail[user.Email]; ok {
		return autherrors.AlreadyExists("user", user.Email)
	}

	u := *user
	r.users[u.ID] = &u
	r.usersByEmail[u.Email] = u.ID
	return nil
}

func (r *userRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[id]
	if !ok {
		return nil, autherrors.NotFound("user", id.String())
	}
	u := *user
	return &u, nil
}

func (r *userRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.usersByEmail[email]
	if !ok {
		return nil, autherrors.NotFound("user", email)
	}
	u := *r.users[id]
	return &u, nil
}

func (r *userRepository) Update(ctx context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.users[user.ID]
	if !ok {
		return autherrors.NotFound("user", user.ID.String())
	}
	if old.Email != user.Email {
		delete(r.usersByEmail, old.Email)
		r.usersByEmail[user.Email] = user.ID
	}
	u := *user
	r.users[u.ID] = &u
	return nil
}

// Clients

type clientRepository Store

func (r *clientRepository) Create(ctx context.Context, client *domain.Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[client.ClientID]; ok {
		return autherrors.AlreadyExists("client", client.ClientID)
	}
	c := *client
	r.clients[c.ClientID] = &c
	return nil
}

func (r *clientRepository) GetByClientID(ctx context.Context, clientID string) (*domain.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.clients[clientID]
	if !ok {
		return nil, autherrors.NotFound("client", clientID)
	}
	c := *client
	return &c, nil
}

// Sessions

type sessionRepository Store

func (r *sessionRepository) Create(ctx context.Context, session *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess := *session
	r.sessions[sess.ID] = &sess
	return nil
}

func (r *sessionRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[id]
	if !ok {
		return nil, autherrors.NotFound("session", id)
	}
	sess := *session
	return &sess, nil
}

func (r *sessionRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, id)
	return nil
}

func (r *sessionRepository) DeleteByUserID(ctx context.Context, userID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, sess := range r.sessions {
		if sess.UserID == userID {
			delete(r.sessions, id)
		}
	}
	return nil
}

func (r *sessionRepository) DeleteExpired(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, sess := range r.sessions {
		if sess.IsExpired() {
			delete(r.sessions, id)
		}
	}
	return nil
}

// Auth codes

type authCodeRepository Store

func (r *authCodeRepository) Create(ctx context.Context, code *domain.AuthCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := *code
	r.authCodes[string(c.Digest)] = &c
	return nil
}

func (r *authCodeRepository) Consume(ctx context.Context, digest []byte, clientID string) (*domain.AuthCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	code, ok := r.authCodes[string(digest)]
	if !ok || code.ClientID != clientID || code.IsExpired() {
		return nil, autherrors.InvalidGrant("invalid or expired authorization code")
	}

	delete(r.authCodes, string(digest))
	c := *code
	return &c, nil
}

func (r *authCodeRepository) DeleteExpired(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, code := range r.authCodes {
		if code.IsExpired() {
			delete(r.authCodes, key)
		}
	}
	return nil
}

// Tokens

type tokenRepository Store

func (r *tokenRepository) IssuePair(ctx context.Context, access *domain.AccessToken, refresh *domain.RefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a := *access
	t := *refresh
	r.accessTokens[string(a.Digest)] = &a
	r.refreshTokens[string(t.Digest)] = &t
	return nil
}

func (r *tokenRepository) RotateRefresh(ctx context.Context, digest []byte, clientID string, mint func(old *domain.RefreshToken) (*domain.AccessToken, *domain.RefreshToken, error)) (*domain.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.refreshTokens[string(digest)]
	if !ok || token.ClientID != clientID {
		return nil, autherrors.InvalidGrant("invalid refresh token")
	}

	if token.Revoked {
		// Replay: sweep the whole rotation family.
		r.revokeFamilyLocked(token)
		return nil, autherrors.Wrap(store.ErrReplay, autherrors.CodeInvalidGrant, "refresh token replay detected")
	}

	if token.IsExpired() {
		token.Revoked = true
		return nil, autherrors.InvalidGrant("refresh token expired")
	}

	old := *token
	access, refresh, err := mint(&old)
	if err != nil {
		// Rollback: the old token stays usable.
		return nil, err
	}

	token.Revoked = true
	a := *access
	t := *refresh
	t.RotatedFrom = old.Digest
	r.accessTokens[string(a.Digest)] = &a
	r.refreshTokens[string(t.Digest)] = &t

	return &old, nil
}

func (r *tokenRepository) GetAccessToken(ctx context.Context, digest []byte) (*domain.AccessToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.accessTokens[string(digest)]
	if !ok || token.IsExpired() {
		return nil, autherrors.NotFound("access token", "")
	}
	t := *token
	return &t, nil
}

func (r *tokenRepository) FindValidRefresh(ctx context.Context, digest []byte) (*domain.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.refreshTokens[string(digest)]
	if !ok || !token.IsValid() {
		return nil, autherrors.NotFound("refresh token", "")
	}
	t := *token
	return &t, nil
}

func (r *tokenRepository) DeleteAccessToken(ctx context.Context, digest []byte, clientID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.accessTokens[string(digest)]
	if !ok || token.ClientID != clientID {
		return false, nil
	}
	delete(r.accessTokens, string(digest))
	return true, nil
}

func (r *tokenRepository) RevokeRefreshToken(ctx context.Context, digest []byte, clientID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.refreshTokens[string(digest)]
	if !ok || token.ClientID != clientID || token.Revoked {
		return false, nil
	}
	token.Revoked = true
	return true, nil
}

func (r *tokenRepository) RevokeAllByUserClient(ctx context.Context, userID uuid.UUID, clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.revokeAllByUserClientLocked(userID, clientID)
	return nil
}

func (r *tokenRepository) DeleteExpired(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, token := range r.accessTokens {
		if token.IsExpired() {
			delete(r.accessTokens, key)
		}
	}
	for key, token := range r.refreshTokens {
		if token.IsExpired() {
			delete(r.refreshTokens, key)
		}
	}
	return nil
}

// revokeFamilyLocked revokes every member of a rotation family: ancestors
// via RotatedFrom back-pointers and descendants via a forward sweep.
func (r *tokenRepository) revokeFamilyLocked(member *domain.RefreshToken) {
	family := map[string]bool{string(member.Digest): true}

	// Ancestors.
	for cur := member; len(cur.RotatedFrom) > 0; {
		parent, ok := r.refreshTokens[string(cur.RotatedFrom)]
		if !ok || family[string(parent.Digest)] {
			break
		}
		family[string(parent.Digest)] = true
		cur = parent
	}

	// Descendants, to a fixpoint: chains can be arbitrarily long.
	for changed := true; changed; {
		changed = false
		for _, token := range r.refreshTokens {
			if len(token.RotatedFrom) > 0 && family[string(token.RotatedFrom)] && !family[string(token.Digest)] {
				family[string(token.Digest)] = true
				changed = true
			}
		}
	}

	for key := range family {
		if token, ok := r.refreshTokens[key]; ok {
			token.Revoked = true
		}
	}
}

func (r *tokenRepository) revokeAllByUserClientLocked(userID uuid.UUID, clientID string) {
	for _, token := range r.refreshTokens {
		if token.UserID == userID && token.ClientID == clientID {
			token.Revoked = true
		}
	}
	for key, token := range r.accessTokens {
		if token.UserID != nil && *token.UserID == userID && token.ClientID == clientID {
			delete(r.accessTokens, key)
		}
	}
}

// Consents

type consentRepository Store

func (r *consentRepository) Grant(ctx context.Context, grant *domain.ConsentGrant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := consentKey{userID: grant.UserID, clientID: grant.ClientID}
	existing, ok := r.consents[key]
	if !ok {
		g := *grant
		if g.GrantedAt.IsZero() {
			g.GrantedAt = time.Now()
		}
		r.consents[key] = &g
		return nil
	}

	// Union scopes; repeating a grant is a no-op.
	for _, scope := range grant.Scopes {
		if !domain.HasScope(existing.Scopes, scope) {
			existing.Scopes = append(existing.Scopes, scope)
		}
	}
	return nil
}

func (r *consentRepository) Get(ctx context.Context, userID uuid.UUID, clientID string) (*domain.ConsentGrant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	grant, ok := r.consents[consentKey{userID: userID, clientID: clientID}]
	if !ok {
		return nil, autherrors.NotFound("consent grant", clientID)
	}
	g := *grant
	return &g, nil
}

func (r *consentRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*domain.ConsentGrant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var grants []*domain.ConsentGrant
	for key, grant := range r.consents {
		if key.userID == userID {
			g := *grant
			grants = append(grants, &g)
		}
	}
	return grants, nil
}

func (r *consentRepository) Revoke(ctx context.Context, userID uuid.UUID, clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.consents, consentKey{userID: userID, clientID: clientID})
	(*tokenRepository)(r).revokeAllByUserClientLocked(userID, clientID)
	return nil
}

// Passwords

type passwordRepository Store

func (r *passwordRepository) Get(ctx context.Context, userID uuid.UUID) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hash, ok := r.passwords[userID]
	if !ok {
		return "", autherrors.NotFound("password", userID.String())
	}
	return hash, nil
}

func (r *passwordRepository) Upsert(ctx context.Context, userID uuid.UUID, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.passwords[userID] = hash
	return nil
}

// Reset tokens

type resetTokenRepository Store

func (r *resetTokenRepository) Replace(ctx context.Context, token *domain.PasswordResetToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for _, existing := range r.resetTokens {
		if existing.UserID == token.UserID && existing.IsActive() {
			existing.DeletedAt = &now
		}
	}

	t := *token
	r.resetTokens[t.ID] = &t
	return nil
}

func (r *resetTokenRepository) Get(ctx context.Context, id uuid.UUID) (*domain.PasswordResetToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.resetTokens[id]
	if !ok {
		return nil, autherrors.NotFound("reset token", id.String())
	}
	t := *token
	return &t, nil
}

func (r *resetTokenRepository) Redeem(ctx context.Context, id uuid.UUID, newHash string) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.resetTokens[id]
	if !ok || !token.IsActive() {
		return uuid.Nil, autherrors.InvalidGrant("reset token invalid or already used")
	}

	now := time.Now()
	token.UsedAt = &now
	token.DeletedAt = &now
	r.passwords[token.UserID] = newHash

	return token.UserID, nil
}
