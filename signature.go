package dccverify

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/veraison/go-cose"
)

// ErrNoMatchingKey is returned by Verify when the message parsed correctly
// but none of the candidate keys validated its signature. It is a verdict,
// not a structural failure.
var ErrNoMatchingKey = errors.New("signature does not validate against any trusted key")

// ErrExpired is returned by Verify when the signature validated but the
// certificate's expiration timestamp is in the past.
var ErrExpired = errors.New("certificate has expired")

// TrustedKey is one entry of the rotating trust list: a candidate signer
// public key with its identifying metadata.
type TrustedKey struct {
	// Kid are the first 8 bytes of the SHA256 digest of the signer
	// certificate in DER encoding.
	Kid []byte

	// Use restricts the key to certificate kinds: a concatenation of the
	// letters v, t and r, or "sig"/"" for any kind.
	Use string

	// Subject is the certificate subject, kept for diagnostics.
	Subject string

	Public crypto.PublicKey

	// Certificate is the signer's x509 certificate, if the trust list source
	// distributes full certificates rather than bare public keys.
	Certificate *x509.Certificate
}

// SupportsKind reports whether the key's use tag allows signing certificates
// of the given kind.
func (k TrustedKey) SupportsKind(kind CertKind) bool {
	switch k.Use {
	case "", "sig":
		return true
	}
	switch kind {
	case KindVaccination, KindVaccinationExemption:
		return strings.Contains(k.Use, "v")
	case KindTest:
		return strings.Contains(k.Use, "t")
	case KindRecovery:
		return strings.Contains(k.Use, "r")
	default:
		return true
	}
}

// KeyProvider supplies the candidate signer keys for signature verification,
// typically backed by the current trust list.
type KeyProvider interface {
	// CandidateKeys returns all trusted keys to attempt for a certificate of
	// the given kind. The kid hint from the message headers must not be
	// trusted to narrow the candidates: verification tries every returned
	// key.
	CandidateKeys(kind CertKind) []TrustedKey
}

// KeySlice is a KeyProvider over a fixed set of keys, filtered by use.
type KeySlice []TrustedKey

func (s KeySlice) CandidateKeys(kind CertKind) []TrustedKey {
	candidates := make([]TrustedKey, 0, len(s))
	for _, k := range s {
		if k.SupportsKind(kind) {
			candidates = append(candidates, k)
		}
	}
	return candidates
}

// verifier mirrors the COSE algorithm registry entries the DCC scheme uses.
func coseAlgorithm(alg int) (*cose.Algorithm, error) {
	// COSE algorithm parameters, see
	// https://datatracker.ietf.org/doc/draft-ietf-cose-rfc8152bis-algs/12/
	switch alg {
	case -37:
		return cose.PS256, nil
	case -7:
		return cose.ES256, nil
	default:
		return nil, fmt.Errorf("unknown alg: %d", alg)
	}
}

func (u *unverifiedCOSE) headerAlg() int {
	alg := u.p.Alg // protected header
	if alg == 0 {
		// fall back to alg (1) from unprotected header
		if b, ok := u.v.Unprotected[uint64(1)]; ok {
			if i, ok := b.(int64); ok {
				alg = int(i)
			}
		}
	}
	return alg
}

func (u *unverifiedCOSE) headerKid() []byte {
	kid := u.p.Kid // protected header
	if len(kid) == 0 {
		// fall back to kid (4) from unprotected header
		if b, ok := u.v.Unprotected[uint64(4)]; ok {
			kid, _ = b.([]byte)
		}
	}
	return kid
}

// verify checks the message signature against every candidate key and
// succeeds on the first match. Per-key validation failures are swallowed: a
// key that does not validate simply is not the signer. Only a structurally
// unverifiable message (unknown algorithm, unbuildable Sig_structure) is a
// hard error; an exhausted candidate set yields ErrNoMatchingKey.
func (u *unverifiedCOSE) verify(expired func(time.Time) bool, keys []TrustedKey) (*TrustedKey, error) {
	alg, err := coseAlgorithm(u.headerAlg())
	if err != nil {
		return nil, err
	}

	// We need to use custom verification code instead of the existing Go COSE
	// packages:
	//
	// - go.mozilla.org/cose lacks sign1 support
	//
	// - github.com/veraison/go-cose is a fork which adds sign1 support, but
	//   re-encodes protected headers during signature verification, which does
	//   not pass e.g. dgc-testdata/common/2DCode/raw/CO1.json
	toBeSigned, err := sigStructure(u.v.Protected, u.v.Payload)
	if err != nil {
		return nil, err
	}

	digest, err := hashSigStructure(toBeSigned, alg.HashFunc)
	if err != nil {
		return nil, err
	}

	var matched *TrustedKey
	for i := range keys {
		verifier := &cose.Verifier{
			PublicKey: keys[i].Public,
			Alg:       alg,
		}
		if err := verifier.Verify(digest, u.v.Signature); err == nil {
			matched = &keys[i]
			break
		}
	}
	if matched == nil {
		return nil, ErrNoMatchingKey
	}

	expiration := time.Unix(u.claims.Exp, 0)
	if expired(expiration) {
		return nil, ErrExpired
	}

	return matched, nil
}

// Verify checks the cryptographic signature against the candidate keys from
// the provider and returns the verified EU Digital COVID Certificate (DCC),
// or an error if verification fails. ErrNoMatchingKey indicates an untrusted
// signature on an otherwise well-formed message.
func (u *Unverified) Verify(provider KeyProvider) (*Decoded, error) {
	expired := u.decoder.Expired
	if expired == nil {
		expired = func(expiration time.Time) bool {
			return time.Now().After(expiration)
		}
	}
	matched, err := u.u.verify(expired, provider.CandidateKeys(u.u.kind))
	if err != nil {
		return nil, err
	}

	decoded := u.u.decodedCert()
	decoded.SignedBy = matched.Certificate
	return decoded, nil
}
