// Package trustlist holds the rotating trust material a verification needs:
// signer keys, value sets and business rules, each with freshness metadata,
// plus the refresher that keeps them up to date from the backend.
package trustlist

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/goccy/go-json"

	"github.com/dgc-dev/dccverify"
)

// KeyEntry is one signer key of the trust list. The format is an almost-JWK:
// the Kty (key type) field is not present, instead the Alg (algorithm) field
// is present.
//
// Unfortunately, none of the Go jwk implementations I tried could decode
// these without modifications:
//
// - github.com/lestrrat-go/jwx/jwk needs the Kty field
//
// - github.com/mendsley/gojwk needs the Kty field and uses base64 URL
// encoding instead of base64 standard encoding
type KeyEntry struct {
	Kid     string `json:"kid"`
	Alg     string `json:"alg"`
	Use     string `json:"use"`
	Subject string `json:"subject,omitempty"`
	N       string `json:"n,omitempty"`
	E       string `json:"e,omitempty"`
	Crv     string `json:"crv,omitempty"`
	X       string `json:"x,omitempty"`
	Y       string `json:"y,omitempty"`
}

// KeyContainer is the signer key list as fetched from the trust list
// endpoint.
type KeyContainer struct {
	Certs []KeyEntry `json:"certs"`
}

// DecodeKeys parses a signer key list.
func DecodeKeys(data []byte) (*KeyContainer, error) {
	var c KeyContainer
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode trust list keys: %w", err)
	}
	return &c, nil
}

// PublicKey builds the crypto.PublicKey for the entry.
func (e KeyEntry) PublicKey() (crypto.PublicKey, error) {
	if e.Alg == "ES256" {
		if e.Crv == "" || e.X == "" || e.Y == "" {
			return nil, errors.New("ES256 key missing Crv, X or Y field")
		}

		var curve elliptic.Curve
		switch e.Crv {
		case "P-224":
			curve = elliptic.P224()
		case "P-256":
			curve = elliptic.P256()
		case "P-384":
			curve = elliptic.P384()
		case "P-521":
			curve = elliptic.P521()
		default:
			return nil, fmt.Errorf("unknown curve type %q", e.Crv)
		}

		pubKey := &ecdsa.PublicKey{
			Curve: curve,
			X:     new(big.Int),
			Y:     new(big.Int),
		}

		decX, err := base64.StdEncoding.DecodeString(e.X)
		if err != nil {
			return nil, errors.New("ES256 key has malformed X")
		}
		pubKey.X.SetBytes(decX)

		decY, err := base64.StdEncoding.DecodeString(e.Y)
		if err != nil {
			return nil, errors.New("ES256 key has malformed Y")
		}
		pubKey.Y.SetBytes(decY)

		return pubKey, nil
	} else if e.Alg == "RS256" {
		if e.N == "" || e.E == "" {
			return nil, errors.New("RS256 key missing N or E field")
		}

		decE, err := base64.StdEncoding.DecodeString(e.E)
		if err != nil {
			return nil, errors.New("RS256 key has malformed exponent")
		}
		if len(decE) < 4 {
			ndata := make([]byte, 4)
			copy(ndata[4-len(decE):], decE)
			decE = ndata
		}

		pubKey := &rsa.PublicKey{
			N: new(big.Int),
			E: int(binary.BigEndian.Uint32(decE[:])),
		}

		decN, err := base64.StdEncoding.DecodeString(e.N)
		if err != nil {
			return nil, errors.New("RS256 key has malformed N")
		}
		pubKey.N.SetBytes(decN)

		return pubKey, nil
	}
	return nil, fmt.Errorf("unknown key algorithm %q", e.Alg)
}

// TrustedKeys converts the container into verification candidates. Entries
// with malformed key material are skipped: a broken trust list entry must
// not block verification against the remaining keys.
func (c *KeyContainer) TrustedKeys() []dccverify.TrustedKey {
	keys := make([]dccverify.TrustedKey, 0, len(c.Certs))
	for _, entry := range c.Certs {
		kid, err := base64.StdEncoding.DecodeString(entry.Kid)
		if err != nil {
			continue
		}
		pub, err := entry.PublicKey()
		if err != nil {
			continue
		}
		keys = append(keys, dccverify.TrustedKey{
			Kid:     kid,
			Use:     entry.Use,
			Subject: entry.Subject,
			Public:  pub,
		})
	}
	return keys
}
