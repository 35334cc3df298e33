package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
)

type roomClaims struct {
	Room string `json:"room"`
	jwt.RegisteredClaims
}

// IssueToken signs a bearer token that grants access to a single room. It returns an empty token when the server
// runs without a secret.
func (s *Server) IssueToken(name string) (string, error) {
	if len(s.cfg.Secret) == 0 {
		return "", nil
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, roomClaims{
		Room:             name,
		RegisteredClaims: jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(time.Now())},
	})
	signed, err := token.SignedString(s.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func bearerToken(request *http.Request) string {
	if raw, ok := strings.CutPrefix(request.Header.Get("Authorization"), "Bearer "); ok {
		return raw
	}
	// browsers cannot set headers on websocket upgrades
	return request.URL.Query().Get("token")
}

func (s *Server) authorize(next http.Handler) http.Handler {
	if len(s.cfg.Secret) == 0 {
		return next
	}
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		raw := bearerToken(request)
		if raw == "" {
			writer.WriteHeader(http.StatusUnauthorized)
			return
		}
		claims := new(roomClaims)
		if _, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
			return s.cfg.Secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})); err != nil {
			s.log.Debug("rejected token", "err", err)
			writer.WriteHeader(http.StatusUnauthorized)
			return
		}
		if claims.Room != mux.Vars(request)["room"] {
			writer.WriteHeader(http.StatusForbidden)
			return
		}
		next.ServeHTTP(writer, request)
	})
}
