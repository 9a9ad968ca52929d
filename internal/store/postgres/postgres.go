// Package postgres implements the store interfaces on PostgreSQL via pgx.
//
// Every consume statement carries an explicit client_id predicate so a
// client submitting another client's code or token can neither use nor
// destroy it.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/learnforge/lms-auth/internal/domain"
	autherrors "github.com/learnforge/lms-auth/internal/errors"
	"github.com/learnforge/lms-auth/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Store implements store.Store backed by a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database and verifies the connection.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Setup applies the reference schema. Development convenience; production
// schemas are managed by the platform's migration tooling.
func (s *Store) Setup(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *Store) Users() store.UserRepository             { return &userRepository{pool: s.pool} }
func (s *Store) Clients() store.ClientRepository         { return &clientRepository{pool: s.pool} }
func (s *Store) Sessions() store.SessionRepository       { return &sessionRepository{pool: s.pool} }
func (s *Store) AuthCodes() store.AuthCodeRepository     { return &authCodeRepository{pool: s.pool} }
func (s *Store) Tokens() store.TokenRepository           { return &tokenRepository{pool: s.pool} }
func (s *Store) Consents() store.ConsentRepository       { return &consentRepository{pool: s.pool} }
func (s *Store) Passwords() store.PasswordRepository     { return &passwordRepository{pool: s.pool} }
func (s *Store) ResetTokens() store.ResetTokenRepository { return &resetTokenRepository{pool: s.pool} }

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Users

type userRepository struct {
	pool *pgxpool.Pool
}

func (r *userRepository) Create(ctx context.Context, user *domain.User) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO users (id, email, given_name, family_name, upstream_id, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())`,
		user.ID, user.Email, nullIfEmpty(user.GivenName), nullIfEmpty(user.FamilyName), user.UpstreamID, user.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (r *userRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	return r.scanOne(ctx, `
		SELECT id, email, given_name, family_name, upstream_id, active, created_at, updated_at
		FROM users WHERE id = $1`, id)
}

func (r *userRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.scanOne(ctx, `
		SELECT id, email, given_name, family_name, upstream_id, active, created_at, updated_at
		FROM users WHERE email = $1`, email)
}

func (r *userRepository) Update(ctx context.Context, user *domain.User) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE users
		SET email = $2, given_name = $3, family_name = $4, upstream_id = $5, active = $6, updated_at = now()
		WHERE id = $1`,
		user.ID, user.Email, nullIfEmpty(user.GivenName), nullIfEmpty(user.FamilyName), user.UpstreamID, user.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return autherrors.NotFound("user", user.ID.String())
	}
	return nil
}

func (r *userRepository) scanOne(ctx context.Context, query string, arg any) (*domain.User, error) {
	var (
		user       domain.User
		givenName  *string
		familyName *string
	)
	err := r.pool.QueryRow(ctx, query, arg).Scan(
		&user.ID, &user.Email, &givenName, &familyName, &user.UpstreamID,
		&user.Active, &user.CreatedAt, &user.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, autherrors.NotFound("user", fmt.Sprint(arg))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	user.GivenName = deref(givenName)
	user.FamilyName = deref(familyName)
	return &user, nil
}

// Clients

type clientRepository struct {
	pool *pgxpool.Pool
}

func (r *clientRepository) Create(ctx context.Context, client *domain.Client) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO oauth_clients (id, client_id, name, secret_digest, redirect_uris, scopes, pkce_methods, pkce_required, bearer_allowed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())`,
		client.ID, client.ClientID, client.Name, client.SecretDigest,
		client.RedirectURIs, client.Scopes, client.PKCEMethods,
		client.PKCERequired, client.BearerAllowed,
	)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	return nil
}

func (r *clientRepository) GetByClientID(ctx context.Context, clientID string) (*domain.Client, error) {
	var client domain.Client
	err := r.pool.QueryRow(ctx, `
		SELECT id, client_id, name, secret_digest, redirect_uris, scopes, pkce_methods, pkce_required, bearer_allowed, created_at, updated_at
		FROM oauth_clients WHERE client_id = $1`, clientID,
	).Scan(
		&client.ID, &client.ClientID, &client.Name, &client.SecretDigest,
		&client.RedirectURIs, &client.Scopes, &client.PKCEMethods,
		&client.PKCERequired, &client.BearerAllowed, &client.CreatedAt, &client.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, autherrors.NotFound("client", clientID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return &client, nil
}

// Sessions

type sessionRepository struct {
	pool *pgxpool.Pool
}

func (r *sessionRepository) Create(ctx context.Context, session *domain.Session) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, auth_time, created_at, expires_at, user_agent, ip_address)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		session.ID, session.UserID, session.AuthTime, session.CreatedAt,
		session.ExpiresAt, nullIfEmpty(session.UserAgent), nullIfEmpty(session.IPAddress),
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (r *sessionRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	var (
		session   domain.Session
		userAgent *string
		ipAddress *string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, auth_time, created_at, expires_at, user_agent, ip_address
		FROM sessions WHERE id = $1`, id,
	).Scan(&session.ID, &session.UserID, &session.AuthTime, &session.CreatedAt, &session.ExpiresAt, &userAgent, &ipAddress)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, autherrors.NotFound("session", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	session.UserAgent = deref(userAgent)
	session.IPAddress = deref(ipAddress)
	return &session, nil
}

func (r *sessionRepository) Delete(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return err
}

func (r *sessionRepository) DeleteByUserID(ctx context.Context, userID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID)
	return err
}

func (r *sessionRepository) DeleteExpired(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= now()`)
	return err
}

// Auth codes

type authCodeRepository struct {
	pool *pgxpool.Pool
}

func (r *authCodeRepository) Create(ctx context.Context, code *domain.AuthCode) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO oauth_auth_codes (digest, client_id, user_id, scopes, redirect_uri, code_challenge, code_challenge_method, nonce, auth_time, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		code.Digest, code.ClientID, code.UserID, code.Scopes, code.RedirectURI,
		nullIfEmpty(code.CodeChallenge), nullIfEmpty(code.CodeChallengeMethod),
		nullIfEmpty(code.Nonce), code.AuthTime, code.CreatedAt, code.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create auth code: %w", err)
	}
	return nil
}

// Consume deletes-returning in one statement. Two concurrent token requests
// with the same code race on the row delete; exactly one sees it.
func (r *authCodeRepository) Consume(ctx context.Context, digest []byte, clientID string) (*domain.AuthCode, error) {
	var (
		code      domain.AuthCode
		challenge *string
		method    *string
		nonce     *string
	)
	err := r.pool.QueryRow(ctx, `
		DELETE FROM oauth_auth_codes
		WHERE digest = $1 AND client_id = $2 AND expires_at > now()
		RETURNING digest, client_id, user_id, scopes, redirect_uri, code_challenge, code_challenge_method, nonce, auth_time, created_at, expires_at`,
		digest, clientID,
	).Scan(
		&code.Digest, &code.ClientID, &code.UserID, &code.Scopes, &code.RedirectURI,
		&challenge, &method, &nonce, &code.AuthTime, &code.CreatedAt, &code.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, autherrors.InvalidGrant("invalid or expired authorization code")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume auth code: %w", err)
	}
	code.CodeChallenge = deref(challenge)
	code.CodeChallengeMethod = deref(method)
	code.Nonce = deref(nonce)
	return &code, nil
}

func (r *authCodeRepository) DeleteExpired(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM oauth_auth_codes WHERE expires_at <= now()`)
	return err
}

// Tokens

type tokenRepository struct {
	pool *pgxpool.Pool
}

func (r *tokenRepository) IssuePair(ctx context.Context, access *domain.AccessToken, refresh *domain.RefreshToken) error {
	return pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
		if err := insertAccessToken(ctx, tx, access); err != nil {
			return err
		}
		return insertRefreshToken(ctx, tx, refresh)
	})
}

func (r *tokenRepository) RotateRefresh(ctx context.Context, digest []byte, clientID string, mint func(old *domain.RefreshToken) (*domain.AccessToken, *domain.RefreshToken, error)) (*domain.RefreshToken, error) {
	var old *domain.RefreshToken

	err := pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
		// Locate-and-revoke in a single statement; was_revoked carries the
		// prior state so a replay is distinguishable from a first use.
		var (
			token      domain.RefreshToken
			audience   *string
			jkt        *string
			wasRevoked bool
		)
		err := tx.QueryRow(ctx, `
			UPDATE oauth_refresh_tokens t
			SET revoked = TRUE
			FROM (
				SELECT digest, revoked AS was_revoked
				FROM oauth_refresh_tokens
				WHERE digest = $1 AND client_id = $2
				FOR UPDATE
			) prev
			WHERE t.digest = prev.digest
			RETURNING t.digest, t.client_id, t.user_id, t.scopes, t.audience, t.jti, t.dpop_jkt, t.rotated_from, t.auth_time, t.created_at, t.expires_at, prev.was_revoked`,
			digest, clientID,
		).Scan(
			&token.Digest, &token.ClientID, &token.UserID, &token.Scopes, &audience,
			&token.JTI, &jkt, &token.RotatedFrom, &token.AuthTime, &token.CreatedAt,
			&token.ExpiresAt, &wasRevoked,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			return autherrors.InvalidGrant("invalid refresh token")
		}
		if err != nil {
			return fmt.Errorf("failed to consume refresh token: %w", err)
		}
		token.Audience = deref(audience)
		token.DPoPJKT = deref(jkt)
		token.Revoked = wasRevoked

		if wasRevoked {
			// Replay: sweep the entire rotation family, then surface
			// invalid_grant. The sweep must commit, so it stays inside
			// this transaction and the error is returned to the caller
			// after commit via the closure below.
			if err := revokeFamily(ctx, tx, token.Digest); err != nil {
				return fmt.Errorf("failed to revoke token family: %w", err)
			}
			old = &token
			return nil
		}

		if token.IsExpired() {
			// Committing the revocation of an expired token is harmless.
			old = &token
			return nil
		}

		access, refresh, err := mint(&token)
		if err != nil {
			return err
		}
		refresh.RotatedFrom = token.Digest

		if err := insertAccessToken(ctx, tx, access); err != nil {
			return err
		}
		if err := insertRefreshToken(ctx, tx, refresh); err != nil {
			return err
		}

		tokenCopy := token
		tokenCopy.Revoked = false
		old = &tokenCopy
		return nil
	})
	if err != nil {
		return nil, err
	}

	if old.Revoked {
		return nil, autherrors.Wrap(store.ErrReplay, autherrors.CodeInvalidGrant, "refresh token replay detected")
	}
	if old.IsExpired() {
		return nil, autherrors.InvalidGrant("refresh token expired")
	}
	return old, nil
}

func (r *tokenRepository) GetAccessToken(ctx context.Context, digest []byte) (*domain.AccessToken, error) {
	var (
		token     domain.AccessToken
		userID    uuid.NullUUID
		audience  *string
		tokenType string
		jkt       *string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT digest, client_id, user_id, scopes, audience, token_type, jti, dpop_jkt, created_at, expires_at
		FROM oauth_access_tokens
		WHERE digest = $1 AND expires_at > now()`, digest,
	).Scan(
		&token.Digest, &token.ClientID, &userID, &token.Scopes, &audience,
		&tokenType, &token.JTI, &jkt, &token.CreatedAt, &token.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, autherrors.NotFound("access token", "")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}
	if userID.Valid {
		token.UserID = &userID.UUID
	}
	token.Audience = deref(audience)
	token.TokenType = domain.TokenType(tokenType)
	token.DPoPJKT = deref(jkt)
	return &token, nil
}

func (r *tokenRepository) FindValidRefresh(ctx context.Context, digest []byte) (*domain.RefreshToken, error) {
	var (
		token    domain.RefreshToken
		audience *string
		jkt      *string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT digest, client_id, user_id, scopes, audience, jti, dpop_jkt, rotated_from, auth_time, created_at, expires_at
		FROM oauth_refresh_tokens
		WHERE digest = $1 AND NOT revoked AND expires_at > now()`, digest,
	).Scan(
		&token.Digest, &token.ClientID, &token.UserID, &token.Scopes, &audience,
		&token.JTI, &jkt, &token.RotatedFrom, &token.AuthTime, &token.CreatedAt, &token.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, autherrors.NotFound("refresh token", "")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	token.Audience = deref(audience)
	token.DPoPJKT = deref(jkt)
	return &token, nil
}

func (r *tokenRepository) DeleteAccessToken(ctx context.Context, digest []byte, clientID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM oauth_access_tokens WHERE digest = $1 AND client_id = $2`,
		digest, clientID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete access token: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *tokenRepository) RevokeRefreshToken(ctx context.Context, digest []byte, clientID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE oauth_refresh_tokens SET revoked = TRUE
		WHERE digest = $1 AND client_id = $2 AND NOT revoked`,
		digest, clientID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *tokenRepository) RevokeAllByUserClient(ctx context.Context, userID uuid.UUID, clientID string) error {
	return pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
		return revokeAllByUserClient(ctx, tx, userID, clientID)
	})
}

func (r *tokenRepository) DeleteExpired(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM oauth_access_tokens WHERE expires_at <= now()`); err != nil {
		return err
	}
	_, err := r.pool.Exec(ctx, `DELETE FROM oauth_refresh_tokens WHERE expires_at <= now()`)
	return err
}

// revokeFamily revokes the transitive closure over rotated_from in both
// directions from the given member.
func revokeFamily(ctx context.Context, tx pgx.Tx, digest []byte) error {
	_, err := tx.Exec(ctx, `
		WITH RECURSIVE family AS (
			SELECT digest, rotated_from
			FROM oauth_refresh_tokens
			WHERE digest = $1
			UNION
			SELECT t.digest, t.rotated_from
			FROM oauth_refresh_tokens t
			JOIN family f ON t.rotated_from = f.digest OR f.rotated_from = t.digest
		)
		UPDATE oauth_refresh_tokens
		SET revoked = TRUE
		WHERE digest IN (SELECT digest FROM family)`,
		digest,
	)
	return err
}

func revokeAllByUserClient(ctx context.Context, tx pgx.Tx, userID uuid.UUID, clientID string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE oauth_refresh_tokens SET revoked = TRUE
		WHERE user_id = $1 AND client_id = $2`, userID, clientID); err != nil {
		return fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM oauth_access_tokens
		WHERE user_id = $1 AND client_id = $2`, userID, clientID); err != nil {
		return fmt.Errorf("failed to delete access tokens: %w", err)
	}
	return nil
}

func insertAccessToken(ctx context.Context, tx pgx.Tx, token *domain.AccessToken) error {
	var userID any
	if token.UserID != nil {
		userID = *token.UserID
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO oauth_access_tokens (digest, client_id, user_id, scopes, audience, token_type, jti, dpop_jkt, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		token.Digest, token.ClientID, userID, token.Scopes, nullIfEmpty(token.Audience),
		string(token.TokenType), token.JTI, nullIfEmpty(token.DPoPJKT),
		token.CreatedAt, token.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert access token: %w", err)
	}
	return nil
}

func insertRefreshToken(ctx context.Context, tx pgx.Tx, token *domain.RefreshToken) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO oauth_refresh_tokens (digest, client_id, user_id, scopes, audience, jti, dpop_jkt, rotated_from, revoked, auth_time, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, $9, $10, $11)`,
		token.Digest, token.ClientID, token.UserID, token.Scopes, nullIfEmpty(token.Audience),
		token.JTI, nullIfEmpty(token.DPoPJKT), token.RotatedFrom,
		token.AuthTime, token.CreatedAt, token.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert refresh token: %w", err)
	}
	return nil
}

// Consents

type consentRepository struct {
	pool *pgxpool.Pool
}

func (r *consentRepository) Grant(ctx context.Context, grant *domain.ConsentGrant) error {
	// Upsert with scope union; repeating an identical grant is a no-op.
	_, err := r.pool.Exec(ctx, `
		INSERT INTO oauth_user_client_scopes (user_id, client_id, scopes, granted_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id, client_id) DO UPDATE
		SET scopes = (
			SELECT array_agg(DISTINCT s)
			FROM unnest(oauth_user_client_scopes.scopes || EXCLUDED.scopes) AS s
		)`,
		grant.UserID, grant.ClientID, grant.Scopes,
	)
	if err != nil {
		return fmt.Errorf("failed to grant consent: %w", err)
	}
	return nil
}

func (r *consentRepository) Get(ctx context.Context, userID uuid.UUID, clientID string) (*domain.ConsentGrant, error) {
	var grant domain.ConsentGrant
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, client_id, scopes, granted_at
		FROM oauth_user_client_scopes
		WHERE user_id = $1 AND client_id = $2`, userID, clientID,
	).Scan(&grant.UserID, &grant.ClientID, &grant.Scopes, &grant.GrantedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, autherrors.NotFound("consent grant", clientID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get consent grant: %w", err)
	}
	return &grant, nil
}

func (r *consentRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*domain.ConsentGrant, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id, client_id, scopes, granted_at
		FROM oauth_user_client_scopes
		WHERE user_id = $1
		ORDER BY granted_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list consent grants: %w", err)
	}
	defer rows.Close()

	var grants []*domain.ConsentGrant
	for rows.Next() {
		var grant domain.ConsentGrant
		if err := rows.Scan(&grant.UserID, &grant.ClientID, &grant.Scopes, &grant.GrantedAt); err != nil {
			return nil, fmt.Errorf("failed to scan consent grant: %w", err)
		}
		grants = append(grants, &grant)
	}
	return grants, rows.Err()
}

// Revoke removes the consent row and cascades to every token for the pair
// in the same transaction.
func (r *consentRepository) Revoke(ctx context.Context, userID uuid.UUID, clientID string) error {
	return pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			DELETE FROM oauth_user_client_scopes
			WHERE user_id = $1 AND client_id = $2`, userID, clientID); err != nil {
			return fmt.Errorf("failed to delete consent grant: %w", err)
		}
		return revokeAllByUserClient(ctx, tx, userID, clientID)
	})
}

// Passwords

type passwordRepository struct {
	pool *pgxpool.Pool
}

func (r *passwordRepository) Get(ctx context.Context, userID uuid.UUID) (string, error) {
	var hash string
	err := r.pool.QueryRow(ctx, `
		SELECT hash FROM user_passwords WHERE user_id = $1`, userID,
	).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", autherrors.NotFound("password", userID.String())
	}
	if err != nil {
		return "", fmt.Errorf("failed to get password: %w", err)
	}
	return hash, nil
}

func (r *passwordRepository) Upsert(ctx context.Context, userID uuid.UUID, hash string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO user_passwords (user_id, hash, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE SET hash = EXCLUDED.hash, updated_at = now()`,
		userID, hash,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert password: %w", err)
	}
	return nil
}

// Reset tokens

type resetTokenRepository struct {
	pool *pgxpool.Pool
}

func (r *resetTokenRepository) Replace(ctx context.Context, token *domain.PasswordResetToken) error {
	return pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		// At most one active token per user: soft-delete the previous one.
		if _, err := tx.Exec(ctx, `
			UPDATE password_reset_tokens
			SET deleted_at = now()
			WHERE user_id = $1 AND used_at IS NULL AND deleted_at IS NULL AND expires_at > now()`,
			token.UserID); err != nil {
			return fmt.Errorf("failed to retire prior reset tokens: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO password_reset_tokens (id, user_id, created_at, expires_at)
			VALUES ($1, $2, $3, $4)`,
			token.ID, token.UserID, token.CreatedAt, token.ExpiresAt); err != nil {
			return fmt.Errorf("failed to insert reset token: %w", err)
		}
		return nil
	})
}

func (r *resetTokenRepository) Get(ctx context.Context, id uuid.UUID) (*domain.PasswordResetToken, error) {
	var (
		token  domain.PasswordResetToken
		usedAt *time.Time
		delAt  *time.Time
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, created_at, expires_at, used_at, deleted_at
		FROM password_reset_tokens WHERE id = $1`, id,
	).Scan(&token.ID, &token.UserID, &token.CreatedAt, &token.ExpiresAt, &usedAt, &delAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, autherrors.NotFound("reset token", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reset token: %w", err)
	}
	token.UsedAt = usedAt
	token.DeletedAt = delAt
	return &token, nil
}

// Redeem locks the token row, validates it, upserts the password, and marks
// the token used and deleted, all in one transaction.
func (r *resetTokenRepository) Redeem(ctx context.Context, id uuid.UUID, newHash string) (uuid.UUID, error) {
	var userID uuid.UUID

	err := pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		var (
			usedAt    *time.Time
			deletedAt *time.Time
			expiresAt time.Time
		)
		err := tx.QueryRow(ctx, `
			SELECT user_id, used_at, deleted_at, expires_at
			FROM password_reset_tokens
			WHERE id = $1
			FOR UPDATE`, id,
		).Scan(&userID, &usedAt, &deletedAt, &expiresAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return autherrors.InvalidGrant("reset token invalid or already used")
		}
		if err != nil {
			return fmt.Errorf("failed to lock reset token: %w", err)
		}

		if usedAt != nil || deletedAt != nil || !time.Now().Before(expiresAt) {
			return autherrors.InvalidGrant("reset token invalid or already used")
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO user_passwords (user_id, hash, updated_at)
			VALUES ($1, $2, now())
			ON CONFLICT (user_id) DO UPDATE SET hash = EXCLUDED.hash, updated_at = now()`,
			userID, newHash); err != nil {
			return fmt.Errorf("failed to upsert password: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE password_reset_tokens
			SET used_at = now(), deleted_at = now()
			WHERE id = $1`, id); err != nil {
			return fmt.Errorf("failed to mark reset token used: %w", err)
		}

		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	return userID, nil
}

// Helpers

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
