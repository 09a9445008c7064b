package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"math/big"
)

// p1363Encode renders (r, s) as the IEEE-P1363 fixed-width concatenation
// r||s required by §4.7/§4.9 of the spec, rather than Go's default
// ASN.1/DER encoding.
func p1363Encode(curve elliptic.Curve, r, s *big.Int) []byte {
	size := (curve.Params().BitSize + 7) / 8
	out := make([]byte, 2*size)
	r.FillBytes(out[:size])
	s.FillBytes(out[size:])
	return out
}

// p1363Decode parses a fixed-width r||s signature for curve back into its
// two big.Int components.
func p1363Decode(curve elliptic.Curve, sig []byte) (r, s *big.Int, ok bool) {
	size := (curve.Params().BitSize + 7) / 8
	if len(sig) != 2*size {
		return nil, nil, false
	}
	r = new(big.Int).SetBytes(sig[:size])
	s = new(big.Int).SetBytes(sig[size:])
	return r, s, true
}

// verifyECDSAP1363 verifies a P1363-encoded signature against hash.
func verifyECDSAP1363(pub *ecdsa.PublicKey, hash, sig []byte) bool {
	r, s, ok := p1363Decode(pub.Curve, sig)
	if !ok {
		return false
	}
	return ecdsa.Verify(pub, hash, r, s)
}
