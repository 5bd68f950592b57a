package auth

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
)

// keySetMethods are the algorithms accepted for keys looked up by kid. keyfunc also
// checks the token alg against the key's own alg when the JWK declares one.
var keySetMethods = []string{
	"HS256", "HS384", "HS512",
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
	"EdDSA",
}

// NewJWKSVerifier verifies tokens against the JWK set served at url. The set is
// refreshed in the background until ctx is cancelled, and unknown kids trigger a
// rate limited refetch.
func NewJWKSVerifier(ctx context.Context, url string) (*Verifier, error) {
	k, err := keyfunc.NewDefaultCtx(ctx, []string{url})
	if err != nil {
		return nil, fmt.Errorf("failed to load jwk set from %s: %w", url, err)
	}
	return &Verifier{keyfunc: k.Keyfunc, methods: keySetMethods}, nil
}

// NewJWKSetVerifier verifies tokens against a static JWK set document.
func NewJWKSetVerifier(raw []byte) (*Verifier, error) {
	k, err := keyfunc.NewJWKSetJSON(json.RawMessage(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse jwk set: %w", err)
	}
	return &Verifier{keyfunc: k.Keyfunc, methods: keySetMethods}, nil
}
