package issuer

import (
	"context"
	"crypto/subtle"
)

// ClientAuthenticator verifies the client_id/client_secret pair presented to
// the token endpoint's client_credentials grant (the token-exchange grant
// relies on the presented subject_token and does not authenticate a client).
type ClientAuthenticator interface {
	AuthenticateClient(ctx context.Context, clientID, clientSecret string) (bool, error)
}

// StaticClientStore authenticates exactly one configured client against a
// constant secret, loaded from AAP_STATIC_CLIENT_SECRET. It exists so a
// deployment can stand up the token endpoint without a client registry; a
// production operator would swap in a database- or directory-backed
// ClientAuthenticator instead.
type StaticClientStore struct {
	clientID     string
	clientSecret string
}

// NewStaticClientStore creates a ClientAuthenticator that accepts only
// clientID paired with clientSecret.
func NewStaticClientStore(clientID, clientSecret string) *StaticClientStore {
	return &StaticClientStore{clientID: clientID, clientSecret: clientSecret}
}

// AuthenticateClient reports whether id/secret match the configured client,
// comparing the secret in constant time to avoid leaking its length or
// contents through response timing.
func (s *StaticClientStore) AuthenticateClient(_ context.Context, id, secret string) (bool, error) {
	if id != s.clientID {
		return false, nil
	}
	match := subtle.ConstantTimeCompare([]byte(secret), []byte(s.clientSecret)) == 1
	return match, nil
}
