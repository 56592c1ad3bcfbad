package eo

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"time"
)

// Authenticator applies authentication information to a request.
type Authenticator interface {
	Authenticate(req *http.Request) error
}

// AuthenticatorFunc converts a function into an Authenticator.
type AuthenticatorFunc func(*http.Request) error

// Authenticate applies the function to the request.
func (f AuthenticatorFunc) Authenticate(req *http.Request) error {
	return f(req)
}

// BearerToken authenticates with a bearer token header.
type BearerToken string

// Authenticate applies the bearer token header.
func (b BearerToken) Authenticate(req *http.Request) error {
	if string(b) == "" {
		return nil
	}
	req.Header.Set("Authorization", "Bearer "+string(b))
	return nil
}

// HeaderAuth sets arbitrary headers, such as an API key.
type HeaderAuth map[string]string

// Authenticate applies stored headers to the request.
func (h HeaderAuth) Authenticate(req *http.Request) error {
	for key, value := range h {
		req.Header.Set(key, value)
	}
	return nil
}

// Session mediates authenticated HTTP traffic to the platform. Sessions are
// passed explicitly; there is no process-wide default.
type Session struct {
	client        *http.Client
	authenticator Authenticator
}

// SessionOption configures a session.
type SessionOption func(*Session)

// WithSessionHTTPClient overrides the HTTP client used by the session.
func WithSessionHTTPClient(hc *http.Client) SessionOption {
	return func(s *Session) {
		s.client = hc
	}
}

// WithSessionAuthenticator sets the session authenticator.
func WithSessionAuthenticator(auth Authenticator) SessionOption {
	return func(s *Session) {
		s.authenticator = auth
	}
}

// NewSession constructs a session with cookie jar and timeout defaults.
func NewSession(opts ...SessionOption) *Session {
	jar, _ := cookiejar.New(nil)
	httpClient := &http.Client{Timeout: 5 * time.Minute, Jar: jar}
	session := &Session{client: httpClient}
	for _, opt := range opts {
		opt(session)
	}
	if session.client == nil {
		session.client = http.DefaultClient
	}
	return session
}

// HTTPClient returns the client requests are sent through.
func (s *Session) HTTPClient() *http.Client {
	return s.client
}

// Authorize applies the session credentials to req.
func (s *Session) Authorize(req *http.Request) error {
	if s == nil {
		return fmt.Errorf("eo: nil session")
	}
	if s.authenticator != nil {
		if err := s.authenticator.Authenticate(req); err != nil {
			return fmt.Errorf("eo: authenticate request: %w", err)
		}
	}
	return nil
}
