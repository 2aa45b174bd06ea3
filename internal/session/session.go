// Package session keeps the IdP's own login session in a signed JWT
// cookie, so no server-side session storage is needed for the browser's
// authenticated identity.
package session

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/kagerou/idpd/internal/entity"
	"github.com/kagerou/idpd/internal/idp"
)

const CookieName = "idpd_session"

type sessionClaims struct {
	jwt.RegisteredClaims
	Attributes map[string][]string `json:"attrs,omitempty"`
}

// Manager issues and validates RS256-signed session cookies using the
// IdP's key pair.
type Manager struct {
	keyPair  *entity.KeyPair
	validity time.Duration
	log      *slog.Logger
}

func NewManager(kp *entity.KeyPair, validity time.Duration, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{keyPair: kp, validity: validity, log: log}
}

// Issue signs a session for the user and sets the cookie.
func (m *Manager) Issue(w http.ResponseWriter, username string, attrs map[string][]string) error {
	now := time.Now()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.validity)),
		},
		Attributes: attrs,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(m.keyPair.Key)
	if err != nil {
		return fmt.Errorf("sign session token: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    signed,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(m.validity.Seconds()),
	})
	return nil
}

// Clear expires the session cookie.
func (m *Manager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

// Current returns the browser's authenticated subject, nil when the cookie
// is absent, expired, or fails verification.
func (m *Manager) Current(r *http.Request) idp.Subject {
	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}

	var claims sessionClaims
	_, err = jwt.ParseWithClaims(cookie.Value, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return &m.keyPair.Key.PublicKey, nil
	})
	if err != nil {
		m.log.Debug("session token rejected", "error", err)
		return nil
	}
	return &subject{claims: &claims}
}

type subject struct {
	claims *sessionClaims
}

func (s *subject) NameID(format string) string {
	name := s.claims.Subject
	if strings.Contains(format, "emailAddress") && !strings.Contains(name, "@") {
		if mails := s.claims.Attributes["mail"]; len(mails) > 0 {
			return mails[0]
		}
	}
	return name
}

func (s *subject) Attributes() map[string][]string {
	return s.claims.Attributes
}
