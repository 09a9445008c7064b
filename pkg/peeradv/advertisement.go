// Package peeradv implements the Peer Advertisement (§3/§4.8): a signed,
// immutable token describing one node's connect and discovery endpoints,
// plus the node collection that stores them keyed by node id.
package peeradv

import (
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/zeebo/errs"

	"vncache.io/vncache/pkg/auth"
)

// Error classes failures from this package.
var Error = errs.Class("peeradv")

// Advertisement is one node's self-description: iss (node id), url
// (connect endpoint), dis (discovery endpoint, possibly empty), iat, and a
// random nonce. Advertisements are immutable once constructed.
type Advertisement struct {
	NodeID       string
	URL          string
	DiscoveryURL string
	IssuedAt     time.Time
	Nonce        string
	// Token is the original signed JWT string this Advertisement was
	// parsed from (via Verify), or empty for one not yet signed. The
	// discovery manager republishes Token verbatim in a peer list so
	// recipients can independently re-verify the signature rather than
	// trusting this node's re-encoding of the claims.
	Token string
}

// Sign encodes adv as JWT claims and signs it with mgr's private key.
func Sign(mgr *auth.Manager, adv Advertisement) (string, error) {
	claims := jwt.MapClaims{
		"iss":   adv.NodeID,
		"url":   adv.URL,
		"dis":   adv.DiscoveryURL,
		"iat":   adv.IssuedAt.Unix(),
		"nonce": adv.Nonce,
	}
	token, err := mgr.SignJWT(claims)
	if err != nil {
		return "", Error.Wrap(err)
	}
	return token, nil
}

// Verify parses and verifies a signed advertisement token, selecting the
// peer or client public key per isPeer (peer advertisements are always
// signed with a peer key in practice, but the caller decides).
func Verify(mgr *auth.Manager, token string, isPeer bool) (Advertisement, error) {
	claims, err := mgr.VerifyJWT(token, isPeer)
	if err != nil {
		return Advertisement{}, Error.Wrap(err)
	}
	adv := Advertisement{
		NodeID: stringClaim(claims, "iss"),
		URL:    stringClaim(claims, "url"),
		Nonce:  stringClaim(claims, "nonce"),
		Token:  token,
	}
	if dis, ok := claims["dis"]; ok {
		adv.DiscoveryURL, _ = dis.(string)
	}
	if iat, ok := claims["iat"]; ok {
		if f, ok := iat.(float64); ok {
			adv.IssuedAt = time.Unix(int64(f), 0)
		}
	}
	if adv.NodeID == "" {
		return Advertisement{}, Error.New("advertisement missing iss")
	}
	return adv, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	v, ok := claims[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
