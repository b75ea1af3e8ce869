package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"microlab/internal/util"
)

// JWTSessionStore issues HS256-signed session tokens whose jti is tracked
// in Redis so that logout revokes the token before its expiry.
type JWTSessionStore struct {
	secret   []byte
	ttl      time.Duration
	issuer   string
	audience string
	leeway   time.Duration
	client   *redis.Client
	prefix   string
}

// JWTOptions carries optional issuer/audience/leeway claims configuration.
type JWTOptions struct {
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// NewJWTSessionStore builds the session store.
func NewJWTSessionStore(secret, redisAddr, redisPassword string, ttl time.Duration, opts JWTOptions) (*JWTSessionStore, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if redisAddr == "" {
		return nil, errors.New("redis addr is required for session revocation")
	}
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	return &JWTSessionStore{
		secret:   []byte(secret),
		ttl:      ttl,
		issuer:   opts.Issuer,
		audience: opts.Audience,
		leeway:   opts.Leeway,
		client: redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: redisPassword,
		}),
		prefix: "microlab:session:",
	}, nil
}

// NewSession signs a token for the user and registers its jti with TTL.
func (s *JWTSessionStore) NewSession(userID uint) (string, error) {
	jti := util.NewID()
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatUint(uint64(userID), 10),
		ID:        jti,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	if s.issuer != "" {
		claims.Issuer = s.issuer
	}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.client.Set(ctx, s.prefix+jti, strconv.FormatUint(uint64(userID), 10), s.ttl).Err(); err != nil {
		return "", fmt.Errorf("register session: %w", err)
	}
	return token, nil
}

// GetUserIDByToken verifies the token signature and claims, then checks
// the jti is still registered (not revoked).
func (s *JWTSessionStore) GetUserIDByToken(token string) (uint, bool, error) {
	claims, ok := s.parse(token)
	if !ok {
		return 0, false, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	val, err := s.client.Get(ctx, s.prefix+claims.ID).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	uid, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, false, nil
	}
	return uint(uid), true, nil
}

// DeleteSession revokes the token's jti.
func (s *JWTSessionStore) DeleteSession(token string) error {
	claims, ok := s.parse(token)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.client.Del(ctx, s.prefix+claims.ID).Err(); err != nil && err != redis.Nil {
		return err
	}
	return nil
}

func (s *JWTSessionStore) parse(token string) (*jwt.RegisteredClaims, bool) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if s.leeway > 0 {
		opts = append(opts, jwt.WithLeeway(s.leeway))
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid || claims.ID == "" {
		return nil, false
	}
	return claims, true
}
