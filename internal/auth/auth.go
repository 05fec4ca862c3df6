package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	baseliboidc "github.com/aggregat4/go-baselib-services/v4/oidc"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gorilla/sessions"
)

const (
	ownerSessionKey   = "owner"
	defaultSessionTTL = 30 * 24 * time.Hour
)

type Config struct {
	IssuerURL      string
	ClientID       string
	ClientSecret   string
	RedirectURL    string
	SessionKey     string
	SessionTTL     time.Duration
	CookieSecure   bool
	CookieSameSite http.SameSite
	CookieDomain   string
	// FallbackURL is where the callback lands when no original URL was kept.
	FallbackURL string
}

// Manager authenticates owners through OIDC and keeps them in a cookie session.
type Manager struct {
	oidcConfig  *baseliboidc.OidcConfiguration
	sessions    *ownerSessions
	fallbackURL string
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.IssuerURL == "" || cfg.ClientID == "" || cfg.RedirectURL == "" {
		return nil, errors.New("oidc issuer, client id, and redirect url are required")
	}
	key, err := decodeSessionKey(cfg.SessionKey)
	if err != nil {
		return nil, err
	}
	owners, err := newOwnerSessions(key, cfg)
	if err != nil {
		return nil, err
	}
	return &Manager{
		oidcConfig:  baseliboidc.CreateOidcConfiguration(cfg.IssuerURL, cfg.ClientID, cfg.ClientSecret, cfg.RedirectURL),
		sessions:    owners,
		fallbackURL: cfg.FallbackURL,
	}, nil
}

// OIDCMiddleware redirects requests without an owner session to the provider
// unless skip returns true.
func (m *Manager) OIDCMiddleware(skip func(r *http.Request) bool) func(http.Handler) http.Handler {
	return m.oidcConfig.CreateOidcAuthenticationMiddleware(m.IsAuthenticated, skip)
}

func (m *Manager) CallbackHandler() http.Handler {
	delegate := baseliboidc.CreateSTDSessionBasedOidcDelegate(m.handleIDToken, m.fallbackURL)
	return m.oidcConfig.CreateOidcCallbackHandler(delegate)
}

// LogoutHandler expires the session on POST.
func (m *Manager) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_ = m.sessions.clear(w, r)
		target := m.fallbackURL
		if target == "" {
			target = "/"
		}
		http.Redirect(w, r, target, http.StatusFound)
	}
}

// WithOwner copies the session owner, if any, into the request context.
func (m *Manager) WithOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if owner, ok := m.sessions.owner(r); ok {
			r = r.WithContext(ContextWithOwner(r.Context(), owner))
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Manager) IsAuthenticated(r *http.Request) bool {
	_, ok := m.sessions.owner(r)
	return ok
}

// handleIDToken makes the token subject the owner of the session.
func (m *Manager) handleIDToken(w http.ResponseWriter, r *http.Request, idToken *oidc.IDToken) error {
	var claims struct {
		Subject string `json:"sub"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return fmt.Errorf("decode id token claims: %w", err)
	}
	return m.sessions.save(w, r, claims.Subject)
}

// ownerSessions stores the owner in the cookie session shared with the
// go-baselib OIDC flow.
type ownerSessions struct {
	store   *sessions.CookieStore
	options sessions.Options
}

func newOwnerSessions(key []byte, cfg Config) (*ownerSessions, error) {
	hashKey, blockKey, err := cookieKeys(key)
	if err != nil {
		return nil, fmt.Errorf("derive cookie keys: %w", err)
	}
	ttl := cfg.SessionTTL
	if ttl == 0 {
		ttl = defaultSessionTTL
	}
	sameSite := cfg.CookieSameSite
	if sameSite == 0 {
		sameSite = http.SameSiteLaxMode
	}
	s := &ownerSessions{
		store: sessions.NewCookieStore(hashKey, blockKey),
		options: sessions.Options{
			Path:     "/",
			Domain:   cfg.CookieDomain,
			MaxAge:   int(ttl.Seconds()),
			Secure:   cfg.CookieSecure,
			HttpOnly: true,
			SameSite: sameSite,
		},
	}
	opts := s.options
	s.store.Options = &opts
	s.store.MaxAge(opts.MaxAge)
	return s, nil
}

func (s *ownerSessions) owner(r *http.Request) (string, bool) {
	session, err := s.store.Get(r, baseliboidc.STDSessionCookieName)
	if err != nil {
		return "", false
	}
	owner, ok := session.Values[ownerSessionKey].(string)
	return owner, ok && owner != ""
}

func (s *ownerSessions) save(w http.ResponseWriter, r *http.Request, owner string) error {
	if owner == "" {
		return errors.New("id token missing sub claim")
	}
	session, err := s.store.Get(r, baseliboidc.STDSessionCookieName)
	if err != nil {
		return err
	}
	opts := s.options
	session.Options = &opts
	session.Values[ownerSessionKey] = owner
	return session.Save(r, w)
}

func (s *ownerSessions) clear(w http.ResponseWriter, r *http.Request) error {
	session, err := s.store.Get(r, baseliboidc.STDSessionCookieName)
	if err != nil {
		return err
	}
	opts := s.options
	opts.MaxAge = -1
	session.Options = &opts
	delete(session.Values, ownerSessionKey)
	return session.Save(r, w)
}
