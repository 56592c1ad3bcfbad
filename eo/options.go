package eo

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	internalhttp "github.com/example/go-eomosaic/eo/internal/http"
)

// Option configures a Client.
type Option func(*Client) error

// WithHTTPClient allows providing a custom HTTP client implementation.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("http client cannot be nil")
		}
		c.session.client = hc
		return nil
	}
}

// WithBaseURL overrides the default platform base URL.
func WithBaseURL(raw string) Option {
	return func(c *Client) error {
		if raw == "" {
			return fmt.Errorf("base url cannot be empty")
		}
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("parse base url: %w", err)
		}
		c.baseURL = u
		return nil
	}
}

// WithUserAgent sets a custom user-agent header for outbound requests.
func WithUserAgent(ua string) Option {
	return func(c *Client) error {
		if ua != "" {
			c.userAgent = ua
		}
		return nil
	}
}

// WithRetryPolicy sets the retry policy of catalogue requests. Tile renders
// are retried by the fetch layer and never use it.
func WithRetryPolicy(policy internalhttp.RetryPolicy) Option {
	return func(c *Client) error {
		if policy == nil {
			return fmt.Errorf("retry policy cannot be nil")
		}
		c.retry = policy
		return nil
	}
}

// WithAuthToken configures the bearer token used for authenticated requests.
func WithAuthToken(token string) Option {
	return WithAuthenticator(BearerToken(token))
}

// WithAuthenticator sets a custom authenticator for the client's session.
func WithAuthenticator(auth Authenticator) Option {
	return func(c *Client) error {
		c.session.authenticator = auth
		return nil
	}
}

// WithSession allows callers to provide a preconfigured session.
func WithSession(session *Session) Option {
	return func(c *Client) error {
		if session == nil {
			return fmt.Errorf("session cannot be nil")
		}
		c.session = session
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) error {
		if l != nil {
			c.logger = l
		}
		return nil
	}
}
