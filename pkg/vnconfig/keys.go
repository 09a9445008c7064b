package vnconfig

import (
	"crypto"

	"github.com/go-jose/go-jose/v4"
)

// ParsePrivateKeyJWK decodes a JWK-encoded private key (the
// cache_private_key config value, §6) into a crypto.Signer.
func ParsePrivateKeyJWK(jwkJSON string) (crypto.Signer, error) {
	var key jose.JSONWebKey
	if err := key.UnmarshalJSON([]byte(jwkJSON)); err != nil {
		return nil, Error.Wrap(err)
	}
	if key.IsPublic() {
		return nil, Error.New("cache_private_key_jwk decodes to a public key, not a private key")
	}
	signer, ok := key.Key.(crypto.Signer)
	if !ok {
		return nil, Error.New("cache_private_key_jwk key type %T is not a signing key", key.Key)
	}
	return signer, nil
}

// ParsePublicKeyJWK decodes a JWK-encoded public key (the
// client_public_key config value, §6) into a crypto.PublicKey.
func ParsePublicKeyJWK(jwkJSON string) (crypto.PublicKey, error) {
	var key jose.JSONWebKey
	if err := key.UnmarshalJSON([]byte(jwkJSON)); err != nil {
		return nil, Error.Wrap(err)
	}
	if !key.IsPublic() {
		return key.Public().Key, nil
	}
	return key.Key, nil
}

// LoadPrivateKey decodes CachePrivateKeyJWK, the node's own signing key.
// It also doubles as the cluster-wide peer verification key, per the
// shared-peer-credential model described in DESIGN.md.
func (c Config) LoadPrivateKey() (crypto.Signer, error) {
	if c.CachePrivateKeyJWK == "" {
		return nil, Error.New("cache_private_key_jwk is required")
	}
	return ParsePrivateKeyJWK(c.CachePrivateKeyJWK)
}

// LoadClientPublicKey decodes ClientPublicKeyJWK, the key used to verify
// non-peer client JWTs and detached signatures. It returns a nil key with
// no error if the node is not configured to accept client connections.
func (c Config) LoadClientPublicKey() (crypto.PublicKey, error) {
	if c.ClientPublicKeyJWK == "" {
		return nil, nil
	}
	return ParsePublicKeyJWK(c.ClientPublicKeyJWK)
}
