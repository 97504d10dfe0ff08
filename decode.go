package dccverify

import (
	"bytes"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/minvws/base45-go/eubase45"
)

// Stage identifies the decode chain stage a DecodeError originated from.
type Stage int

const (
	StagePrefix Stage = iota
	StageBase45
	StageDecompress
	StageCOSE
	StageCBOR
)

func (s Stage) String() string {
	switch s {
	case StagePrefix:
		return "prefix"
	case StageBase45:
		return "base45"
	case StageDecompress:
		return "decompress"
	case StageCOSE:
		return "cose"
	case StageCBOR:
		return "cbor"
	default:
		return "unknown"
	}
}

// DecodeError reports a failure of one stage of the decode chain. The chain
// short-circuits on the first failure; Input carries the original QR string
// for diagnostics.
type DecodeError struct {
	Stage Stage
	Input string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Stage, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeError(stage Stage, input string, err error) *DecodeError {
	return &DecodeError{Stage: stage, Input: input, Err: err}
}

const prefixMarker = "HC1:"

func unprefix(prefixObject string) (string, error) {
	if !strings.HasPrefix(prefixObject, prefixMarker) {
		return "", errors.New("data does not start with HC1: prefix")
	}

	return strings.TrimPrefix(prefixObject, prefixMarker), nil
}

func base45decode(encoded string) ([]byte, error) {
	return eubase45.EUBase45Decode([]byte(encoded))
}

// decompress inflates a zlib stream. Payloads are not required to be
// compressed; anything without a zlib header byte passes through unchanged.
func decompress(compressed []byte) ([]byte, error) {
	if len(compressed) == 0 || compressed[0] != 0x78 {
		return compressed, nil
	}
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, zr); err != nil {
		return nil, err
	}
	if err := zr.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type coseHeader struct {
	// Cryptographic algorithm. See COSE Algorithms Registry:
	// https://www.iana.org/assignments/cose/cose.xhtml
	Alg int `cbor:"1,keyasint,omitempty"`
	// Key identifier
	Kid []byte `cbor:"4,keyasint,omitempty"`
	// Full Initialization Vector
	IV []byte `cbor:"5,keyasint,omitempty"`
}

type signedCWT struct {
	_           struct{} `cbor:",toarray"`
	Protected   []byte
	Unprotected map[interface{}]interface{}
	Payload     []byte
	Signature   []byte
}

type hcert struct {
	DCC CovidCert `cbor:"1,keyasint"`
}

type claims struct {
	Iss   string `cbor:"1,keyasint"`
	Sub   string `cbor:"2,keyasint"`
	Aud   string `cbor:"3,keyasint"`
	Exp   int64  `cbor:"4,keyasint"`
	Nbf   int    `cbor:"5,keyasint"`
	Iat   int64  `cbor:"6,keyasint"`
	Cti   []byte `cbor:"7,keyasint"`
	HCert hcert  `cbor:"-260,keyasint"`
}

type unverifiedCOSE struct {
	v      signedCWT
	p      coseHeader
	claims claims

	qrData        string
	kind          CertKind
	kindAmbiguous bool
}

// parseCOSE parses the raw bytes as a single-signer signed message. Claim
// decoding is a separate stage (decodeClaims) so that a malformed envelope
// and a malformed payload are distinguishable.
func parseCOSE(coseData []byte) (signedCWT, coseHeader, error) {
	var v signedCWT
	if err := cbor.Unmarshal(coseData, &v); err != nil {
		return v, coseHeader{}, fmt.Errorf("cbor.Unmarshal: %v", err)
	}

	var p coseHeader
	if len(v.Protected) > 0 {
		if err := cbor.Unmarshal(v.Protected, &p); err != nil {
			return v, p, fmt.Errorf("cbor.Unmarshal(v.Protected): %v", err)
		}
	}

	return v, p, nil
}

func decodeClaims(payload []byte) (claims, error) {
	var c claims
	if err := cbor.Unmarshal(payload, &c); err != nil {
		return c, fmt.Errorf("cbor.Unmarshal(v.Payload): %v", err)
	}
	return c, nil
}

func (u *unverifiedCOSE) decodedCert() *Decoded {
	return &Decoded{
		Cert:          u.claims.HCert.DCC,
		Issuer:        u.claims.Iss,
		IssuedAt:      time.Unix(u.claims.Iat, 0),
		Expiration:    time.Unix(u.claims.Exp, 0),
		QRData:        u.qrData,
		Kind:          u.kind,
		KindAmbiguous: u.kindAmbiguous,
	}
}

// Unverified is a EU Digital COVID Certificate (DCC) that was decoded, but
// not yet verified.
type Unverified struct {
	u       *unverifiedCOSE
	decoder *Decoder
}

// SkipVerification skips all cryptographic signature verification and returns
// the unverified certificate data.
func (u *Unverified) SkipVerification() *Decoded {
	return u.u.decodedCert()
}

// Kind returns the derived certificate kind without verifying the signature.
func (u *Unverified) Kind() CertKind {
	return u.u.kind
}

// Decoder is a EU Digital COVID Certificate (DCC) decoder.
type Decoder struct {
	// Expired reports whether a certificate carrying the given expiration
	// timestamp should be rejected during Verify. Defaults to a comparison
	// against the current wall clock.
	Expired func(time.Time) bool
}

// Decode decodes the specified EU Digital COVID Certificate (DCC) QR code
// data. Errors are *DecodeError values identifying the failed stage.
func (d *Decoder) Decode(qrdata string) (*Unverified, error) {
	unprefixed, err := unprefix(qrdata)
	if err != nil {
		return nil, decodeError(StagePrefix, qrdata, err)
	}

	compressed, err := base45decode(unprefixed)
	if err != nil {
		return nil, decodeError(StageBase45, qrdata, err)
	}

	coseData, err := decompress(compressed)
	if err != nil {
		return nil, decodeError(StageDecompress, qrdata, err)
	}

	v, p, err := parseCOSE(coseData)
	if err != nil {
		return nil, decodeError(StageCOSE, qrdata, err)
	}

	c, err := decodeClaims(v.Payload)
	if err != nil {
		return nil, decodeError(StageCBOR, qrdata, err)
	}

	kind, ambiguous := deriveKind(&c.HCert.DCC)

	return &Unverified{
		decoder: d,
		u: &unverifiedCOSE{
			v:             v,
			p:             p,
			claims:        c,
			qrData:        qrdata,
			kind:          kind,
			kindAmbiguous: ambiguous,
		},
	}, nil
}

// DefaultDecoder is a ready-to-use Decoder.
var DefaultDecoder = &Decoder{}

// Decode decodes the specified EU Digital COVID Certificate (DCC) QR code
// data.
func Decode(qrdata string) (*Unverified, error) {
	return DefaultDecoder.Decode(qrdata)
}
