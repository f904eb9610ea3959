package server

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/valvemist/pbsbridge/datastore"
)

// ErrInvalidToken is returned for tokens that parse but are not valid.
var ErrInvalidToken = errors.New("invalid token")

// Claims identify a client and the datastores it may use.
type Claims struct {
	jwt.RegisteredClaims
	// Datastores lists the datastores the token grants. Empty grants all.
	Datastores []string `json:"datastores,omitempty"`
}

// Allows reports whether the claims grant access to store.
func (c *Claims) Allows(store string) bool {
	return len(c.Datastores) == 0 || slices.Contains(c.Datastores, store)
}

// IssueToken signs an HS256 token for user.
func IssueToken(secret []byte, user string, datastores []string, validity time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(validity)),
		},
		Datastores: datastores,
	})
	return token.SignedString(secret)
}

// ParseToken validates a token and returns its claims.
func ParseToken(tokenString string, secret []byte) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

type ctxKey struct{}

func claimsFrom(ctx context.Context) *Claims {
	claims, _ := ctx.Value(ctxKey{}).(*Claims)
	return claims
}

// authorize checks that the caller may use store. Without auth every
// caller may.
func authorize(ctx context.Context, store string) error {
	claims := claimsFrom(ctx)
	if claims == nil || claims.Allows(store) {
		return nil
	}
	return status.Errorf(codes.PermissionDenied, "%s may not use datastore %s", claims.Subject, store)
}

// tokenInterceptor rejects calls without a valid bearer token.
func (s *Server) tokenInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	var header string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(datastore.TokenHeader); len(values) > 0 {
			header = values[0]
		}
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil, status.Error(codes.Unauthenticated, "missing token")
	}
	claims, err := ParseToken(token, s.opts.Secret)
	if err != nil {
		s.log.Warn("rejected token", "method", info.FullMethod, "error", err)
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}
	return handler(context.WithValue(ctx, ctxKey{}, claims), req)
}
