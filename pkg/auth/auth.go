// Package auth implements the Authentication Manager (§4.9 of the spec):
// JWT sign/verify and detached-signature sign/verify over the node's own
// key material, plus separate public keys for client-direction and
// peer-direction verification. Grounded on the teacher's pkg/auth/signing
// and pkg/identity tests, which show keys carried as crypto.Signer /
// crypto.PublicKey rather than raw bytes and algorithm selected from the
// concrete key type.
package auth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"

	"github.com/golang-jwt/jwt/v4"
	"github.com/zeebo/errs"
)

// Error classes failures from this package.
var Error = errs.Class("auth")

// Manager signs with the node's own private key and verifies against one
// of two public keys selected by the caller's is_peer flag.
type Manager struct {
	nodeKeyID     string
	privateKey    crypto.Signer
	clientPubKey  crypto.PublicKey
	peerPubKey    crypto.PublicKey
	signingMethod jwt.SigningMethod
}

// New constructs a Manager. clientPubKey verifies tokens/signatures from
// non-peer clients; peerPubKey verifies those from known peer nodes.
// Either public key may be nil if that direction is never used.
func New(nodeKeyID string, privateKey crypto.Signer, clientPubKey, peerPubKey crypto.PublicKey) (*Manager, error) {
	method, err := signingMethodFor(privateKey.Public())
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Manager{
		nodeKeyID:     nodeKeyID,
		privateKey:    privateKey,
		clientPubKey:  clientPubKey,
		peerPubKey:    peerPubKey,
		signingMethod: method,
	}, nil
}

func signingMethodFor(pub crypto.PublicKey) (jwt.SigningMethod, error) {
	switch pub.(type) {
	case *ecdsa.PublicKey:
		return jwt.SigningMethodES256, nil
	case *rsa.PublicKey:
		return jwt.SigningMethodRS256, nil
	default:
		return nil, Error.New("unsupported key type %T", pub)
	}
}

// GetJWTHeader returns the alg/kid pair this manager stamps on every token
// it signs.
func (m *Manager) GetJWTHeader() map[string]interface{} {
	return map[string]interface{}{
		"alg": m.signingMethod.Alg(),
		"kid": m.nodeKeyID,
	}
}

// SignJWT signs claims with the node's private key, stamping the standard
// alg/kid header.
func (m *Manager) SignJWT(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(m.signingMethod, claims)
	token.Header["kid"] = m.nodeKeyID
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", Error.Wrap(err)
	}
	return signed, nil
}

// VerifyJWT parses and verifies tokenString, selecting the peer or client
// public key per isPeer, and returns the validated claims.
func (m *Manager) VerifyJWT(tokenString string, isPeer bool) (jwt.MapClaims, error) {
	pub, err := m.verifyKeyFor(isPeer)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodECDSA); ok {
			if _, ok := pub.(*ecdsa.PublicKey); !ok {
				return nil, Error.New("signing method/key type mismatch")
			}
		}
		return pub, nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return claims, nil
}

// VerifyOwnJWT verifies tokenString against this node's own public key: it
// is used to check that a token presented back to the node (e.g. the
// handshake's server-issued negotiation response) is one this node itself
// signed, rather than a client- or peer-signed token.
func (m *Manager) VerifyOwnJWT(tokenString string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return m.privateKey.Public(), nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return claims, nil
}

func (m *Manager) verifyKeyFor(isPeer bool) (crypto.PublicKey, error) {
	if isPeer {
		if m.peerPubKey == nil {
			return nil, Error.New("no peer public key configured")
		}
		return m.peerPubKey, nil
	}
	if m.clientPubKey == nil {
		return nil, Error.New("no client public key configured")
	}
	return m.clientPubKey, nil
}

// SignMessageHash produces a detached signature over hash (expected to be
// a SHA-256 digest) using the node's private key: RSA-PKCS#1-SHA256 for an
// RSA key, or ECDSA-P256-SHA256 with IEEE-P1363 r||s encoding for an
// ECDSA key.
func (m *Manager) SignMessageHash(hash []byte) ([]byte, error) {
	switch key := m.privateKey.(type) {
	case *ecdsa.PrivateKey:
		r, s, err := ecdsa.Sign(rand.Reader, key, hash)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		return p1363Encode(key.Curve, r, s), nil
	case *rsa.PrivateKey:
		sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hash)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		return sig, nil
	default:
		return nil, Error.New("unsupported private key type %T", m.privateKey)
	}
}

// VerifyMessageHash verifies a detached signature produced by
// SignMessageHash, selecting the peer or client public key per isPeer.
func (m *Manager) VerifyMessageHash(hash, sig []byte, isPeer bool) (bool, error) {
	pub, err := m.verifyKeyFor(isPeer)
	if err != nil {
		return false, Error.Wrap(err)
	}
	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		return verifyECDSAP1363(key, hash, sig), nil
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(key, crypto.SHA256, hash, sig) == nil, nil
	default:
		return false, Error.New("unsupported public key type %T", pub)
	}
}

// SHA256 is a convenience the handshake and discovery packages use to hash
// a JWT string before signing/verifying it as a detached signature.
func SHA256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}
