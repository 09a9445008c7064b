// Package handshake implements the Connection Handshake (§4.7): the two
// step HTTP upgrade exchange that authenticates a client or peer and
// negotiates the framed stream's buffer limits before handing the
// connection off to the Framed Message Server.
package handshake

import (
	"crypto/rand"
	"encoding/base32"
)

const (
	claimChallenge     = "chl"
	claimSubject       = "sub"
	claimRecvBufSize   = "recv_buf_size"
	claimHeaderBufSize = "header_buf_size"
	claimMaxMsgSize    = "max_message_size"
	claimIssuer        = "iss"
	claimIsPeer        = "is_peer"
	claimRemoteIP      = "rip"

	// AuthorizationHeader carries the JWT on both upgrade steps.
	AuthorizationHeader = "Authorization"
	// UpgradeSigHeader carries the base64 detached signature over the
	// SHA-256 hash of the server's response JWT (§4.7 step 3).
	UpgradeSigHeader = "X-Cache-Upgrade-Sig"
	// NodeDiscoveryHeader optionally carries a signed self-Advertisement
	// from a peer client (§4.7 step 5).
	NodeDiscoveryHeader = "X-Cache-Node-Discovery"
)

// NewChallenge returns a random base32 string with at least 16 bytes of
// entropy, suitable for the client's "chl" challenge (§4.7).
func NewChallenge() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", Error.Wrap(err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf), nil
}
