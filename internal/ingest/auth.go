package ingest

import (
	"crypto/subtle"
	"errors"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/zsprackett/agent-mascot/internal/db"
	"github.com/zsprackett/agent-mascot/internal/events"
	"github.com/zsprackett/agent-mascot/internal/session"
)

// ErrUnauthorized is returned when a bearer token does not grant access.
var ErrUnauthorized = errors.New("unauthorized")

// Authenticator resolves bearer tokens to a session and its broadcast topic.
//
// In multi-tenant mode a token is a session token. In legacy mode there is a
// single session, the token is a shared secret checked against a bcrypt hash,
// and every viewer shares the global topic. A server runs in exactly one
// mode.
type Authenticator struct {
	registry   *session.Registry
	legacy     bool
	secretHash []byte

	mu       sync.Mutex
	verified string // last secret that matched secretHash
}

func NewMultiTenant(reg *session.Registry) *Authenticator {
	return &Authenticator{registry: reg}
}

func NewLegacy(reg *session.Registry, secretHash string) *Authenticator {
	return &Authenticator{
		registry:   reg,
		legacy:     true,
		secretHash: []byte(secretHash),
	}
}

func (a *Authenticator) Legacy() bool {
	return a.legacy
}

// Authenticate checks the token sent with a webhook event.
func (a *Authenticator) Authenticate(token string) (*db.Session, string, error) {
	if token == "" {
		return nil, "", ErrUnauthorized
	}
	if a.legacy {
		if !a.secretMatches(token) {
			return nil, "", ErrUnauthorized
		}
		return a.legacySession()
	}
	return a.lookup(token)
}

// Resolve finds the session a viewer asked about. Legacy mode ignores the
// token since there is only one session to watch.
func (a *Authenticator) Resolve(token string) (*db.Session, string, error) {
	if a.legacy {
		return a.legacySession()
	}
	if token == "" {
		return nil, "", ErrUnauthorized
	}
	return a.lookup(token)
}

func (a *Authenticator) lookup(token string) (*db.Session, string, error) {
	s, err := a.registry.FindByToken(token)
	if errors.Is(err, session.ErrNotFound) {
		return nil, "", ErrUnauthorized
	}
	if err != nil {
		return nil, "", err
	}
	return s, events.Topic(s.Token), nil
}

func (a *Authenticator) legacySession() (*db.Session, string, error) {
	s, err := a.registry.LegacySession()
	if err != nil {
		return nil, "", err
	}
	return s, events.GlobalTopic, nil
}

func (a *Authenticator) secretMatches(secret string) bool {
	a.mu.Lock()
	cached := a.verified
	a.mu.Unlock()
	if cached != "" && subtle.ConstantTimeCompare([]byte(cached), []byte(secret)) == 1 {
		return true
	}
	if bcrypt.CompareHashAndPassword(a.secretHash, []byte(secret)) != nil {
		return false
	}
	a.mu.Lock()
	a.verified = secret
	a.mu.Unlock()
	return true
}

// BearerToken returns the last space-separated word of an Authorization
// header value, or "" if there is none.
func BearerToken(header string) string {
	fields := strings.Fields(header)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}
