package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/sonzai/livepk/src/domain/shared"
)

type contextKey string

const (
	correlationKey contextKey = "correlation_id"
	userKey        contextKey = "user_id"
	serviceKey     contextKey = "service"
)

var errUnauthorized = errors.New("missing or invalid bearer token")

func (s *Server) correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = generateCorrelationID()
		}
		w.Header().Set("X-Request-Id", reqID)
		ctx := context.WithValue(r.Context(), correlationKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func generateCorrelationID() string {
	return uuid.Must(uuid.NewV4()).String()
}

func correlationIDFromContext(ctx context.Context) string {
	if value, ok := ctx.Value(correlationKey).(string); ok {
		return value
	}
	return ""
}

// authMiddleware accepts an HS256 bearer token from the Authorization header, or from the
// token query parameter for browser websocket clients. The subject claim is the user id.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			s.writeError(w, r, errUnauthorized)
			return
		}
		userID, err := s.parseToken(raw)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: %v", errUnauthorized, err))
			return
		}
		ctx := context.WithValue(r.Context(), userKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// serviceAuthMiddleware guards the score intake. Only tokens signed with the service secret pass;
// a valid user token is refused with 403 so broadcasters cannot credit their own side.
func (s *Server) serviceAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			s.writeError(w, r, errUnauthorized)
			return
		}
		service, err := parseSubject(raw, s.cfg.ServiceSecret)
		if err != nil {
			if _, userErr := s.parseToken(raw); userErr == nil {
				s.writeError(w, r, fmt.Errorf("%w: score events require a service credential", errForbidden))
				return
			}
			s.writeError(w, r, fmt.Errorf("%w: %v", errUnauthorized, err))
			return
		}
		ctx := context.WithValue(r.Context(), serviceKey, service)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func (s *Server) parseToken(raw string) (shared.UserID, error) {
	subject, err := parseSubject(raw, s.cfg.JWTSecret)
	if err != nil {
		return "", err
	}
	userID := shared.UserID(subject)
	if err := userID.Validate(); err != nil {
		return "", err
	}
	return userID, nil
}

// parseSubject verifies an expiring HS256 token against secret and returns its subject.
func parseSubject(raw string, secret []byte) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("no secret configured")
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("token is not valid")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

func serviceFromContext(ctx context.Context) string {
	if value, ok := ctx.Value(serviceKey).(string); ok {
		return value
	}
	return ""
}

func userFromContext(ctx context.Context) shared.UserID {
	if value, ok := ctx.Value(userKey).(shared.UserID); ok {
		return value
	}
	return ""
}
