package echochat

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session is the authenticated user context. It is created by a successful
// login, handed to the Engine explicitly, and dropped on logout.
type Session struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// Valid reports whether the session identifies a user and has not expired.
func (s *Session) Valid() bool {
	if s == nil || s.UserID == "" {
		return false
	}
	return s.ExpiresAt.IsZero() || time.Now().Before(s.ExpiresAt)
}

// NewSession builds a session from a login or register response body.
// Identity fields missing from the body are read from the access token claims.
// The token signature is not verified; the client only reads its own token.
func NewSession(body []byte) (*Session, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal auth response: %w", err)
	}
	token := firstString(raw, "access_token", "token")
	if token == "" {
		return nil, &APIError{Code: "NO_TOKEN", Message: "auth response carries no access token"}
	}

	payload, _ := raw["payload"].(map[string]any)
	if payload == nil {
		payload = map[string]any{}
	}
	s := &Session{
		Token:  token,
		UserID: firstNonEmpty(firstString(payload, "user_id", "id"), firstString(raw, "user_id", "id")),
		Email:  firstNonEmpty(firstString(payload, "email"), firstString(raw, "email")),
		Name:   firstNonEmpty(firstString(payload, "name"), firstString(raw, "name")),
	}
	if exp, ok := payload["exp"].(float64); ok {
		s.ExpiresAt = time.Unix(int64(exp), 0)
	}

	if claims, err := tokenClaims(token); err == nil {
		if s.UserID == "" {
			s.UserID = firstString(claims, "user_id", "sub")
		}
		if s.Email == "" {
			s.Email = firstString(claims, "email")
		}
		if s.Name == "" {
			s.Name = firstString(claims, "name")
		}
		if s.ExpiresAt.IsZero() {
			if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
				s.ExpiresAt = exp.Time
			}
		}
	}

	if s.UserID == "" {
		return nil, &APIError{Code: "NO_USER", Message: "auth response carries no user id"}
	}
	return s, nil
}

func tokenClaims(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
