// Package auth verifies opaque API keys against a static registry and
// attaches the deployment-wide rate policy to authenticated requests.
package auth

import (
	"errors"
	"net/http"
	"strings"
)

// HeaderAPIKey is the header clients authenticate with.
const HeaderAPIKey = "x-api-key"

var (
	ErrMissingAPIKey = errors.New("missing x-api-key header")
	ErrInvalidAPIKey = errors.New("invalid api key")
)

// Policy is the per-key quota triple shared by all keys.
type Policy struct {
	RequestsPerMinute int
	TokensPerMinute   int64
	TokensPerDay      int64
}

// Context identifies an authenticated caller.
type Context struct {
	APIKey string
	UserID string
	Policy Policy
}

// Registry is the immutable set of valid API keys plus the global policy.
type Registry struct {
	validKeys map[string]struct{}
	policy    Policy
}

// NewRegistry builds a registry from a comma-separated key list.
// Blank entries are dropped; an empty list falls back to "dev-key".
func NewRegistry(keys string, policy Policy) *Registry {
	valid := make(map[string]struct{})
	for _, key := range strings.Split(keys, ",") {
		key = strings.TrimSpace(key)
		if key != "" {
			valid[key] = struct{}{}
		}
	}
	if len(valid) == 0 {
		valid["dev-key"] = struct{}{}
	}
	return &Registry{validKeys: valid, policy: policy}
}

// Authenticate checks the x-api-key header against the registry.
func (r *Registry) Authenticate(headers http.Header) (*Context, error) {
	apiKey := strings.TrimSpace(headers.Get(HeaderAPIKey))
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if _, ok := r.validKeys[apiKey]; !ok {
		return nil, ErrInvalidAPIKey
	}
	return &Context{
		APIKey: apiKey,
		UserID: "key_" + redactKey(apiKey),
		Policy: r.policy,
	}, nil
}

func redactKey(key string) string {
	if len(key) > 8 {
		return key[:8]
	}
	return key
}
