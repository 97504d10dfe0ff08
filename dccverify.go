// Package dccverify decodes and verifies EU Digital COVID Certificate (DCC)
// QR code data.
//
// See https://github.com/eu-digital-green-certificates for the specs, testdata,
// etc.
package dccverify

import (
	"crypto/sha256"
	"crypto/x509"
	"time"
)

// CertKind is the mutually-exclusive category of a certificate, derived from
// which of the entry slices in a CovidCert is populated.
type CertKind int

const (
	KindUnknown CertKind = iota
	KindVaccinationExemption
	KindVaccination
	KindTest
	KindRecovery
)

func (k CertKind) String() string {
	switch k {
	case KindVaccinationExemption:
		return "vaccination-exemption"
	case KindVaccination:
		return "vaccination"
	case KindTest:
		return "test"
	case KindRecovery:
		return "recovery"
	default:
		return "unknown"
	}
}

// Decoded is a EU Digital COVID Certificate (DCC) that has been decoded and
// possibly verified.
type Decoded struct {
	Cert       CovidCert
	Issuer     string
	IssuedAt   time.Time
	Expiration time.Time

	// QRData is the raw QR code string the certificate was decoded from,
	// retained for error reporting and auditing.
	QRData string

	// Kind is the certificate kind derived from the populated entry type.
	Kind CertKind

	// KindAmbiguous is set when more than one entry type was populated.
	// Derivation picks the highest-precedence kind (exemption, vaccination,
	// test, recovery) and flags the anomaly instead of failing.
	KindAmbiguous bool

	// SignedBy is the x509 certificate whose signature of the COVID
	// Certificate has been successfully verified, if Verify() was used and
	// the trustlist makes available certificates (as opposed to just public
	// keys).
	SignedBy *x509.Certificate
}

// see https://github.com/ehn-dcc-development/ehn-dcc-schema
//
// All coded fields (disease target, test type, vaccine product, …) carry the
// raw value-set codes: business rules compare against codes, and display
// names come from the valueset package.

type CovidCert struct {
	Version          string            `cbor:"ver" json:"ver"`
	PersonalName     Name              `cbor:"nam" json:"nam"`
	DateOfBirth      string            `cbor:"dob" json:"dob"`
	VaccineRecords   []VaccineRecord   `cbor:"v,omitempty" json:"v,omitempty"`
	TestRecords      []TestRecord      `cbor:"t,omitempty" json:"t,omitempty"`
	RecoveryRecords  []RecoveryRecord  `cbor:"r,omitempty" json:"r,omitempty"`
	ExemptionRecords []ExemptionRecord `cbor:"ve,omitempty" json:"ve,omitempty"`
}

type Name struct {
	FamilyName    string `cbor:"fn" json:"fn"`
	FamilyNameStd string `cbor:"fnt" json:"fnt"`
	GivenName     string `cbor:"gn" json:"gn"`
	GivenNameStd  string `cbor:"gnt" json:"gnt"`
}

// see https://github.com/ehn-dcc-development/ehn-dcc-schema/blob/release/1.3.0/DCC.Types.schema.json
type VaccineRecord struct {
	Target        string  `cbor:"tg" json:"tg"`
	Vaccine       string  `cbor:"vp" json:"vp"`
	Product       string  `cbor:"mp" json:"mp"`
	Manufacturer  string  `cbor:"ma" json:"ma"`
	Doses         float64 `cbor:"dn" json:"dn"` // int per the spec, but float64 e.g. in IE
	DoseSeries    float64 `cbor:"sd" json:"sd"` // int per the spec, but float64 e.g. in IE
	Date          string  `cbor:"dt" json:"dt"`
	Country       string  `cbor:"co" json:"co"`
	Issuer        string  `cbor:"is" json:"is"`
	CertificateID string  `cbor:"ci" json:"ci"`
}

type TestRecord struct {
	Target   string `cbor:"tg" json:"tg"`
	TestType string `cbor:"tt" json:"tt"`

	// Name is the NAA Test Name
	Name string `cbor:"nm,omitempty" json:"nm,omitempty"`

	// Manufacturer is the RAT Test name and manufacturer.
	Manufacturer   string    `cbor:"ma,omitempty" json:"ma,omitempty"`
	SampleDatetime time.Time `cbor:"sc" json:"sc"`
	TestResult     string    `cbor:"tr" json:"tr"`
	TestingCentre  string    `cbor:"tc" json:"tc"`
	// Country of Test
	Country       string `cbor:"co" json:"co"`
	Issuer        string `cbor:"is" json:"is"`
	CertificateID string `cbor:"ci" json:"ci"`
}

type RecoveryRecord struct {
	Target string `cbor:"tg" json:"tg"`

	// FirstResult is the ISO 8601 complete date of the first positive NAA
	// test result.
	FirstResult string `cbor:"fr" json:"fr"`

	// Country of Test
	Country string `cbor:"co" json:"co"`

	Issuer string `cbor:"is" json:"is"`

	// ValidFrom and ValidUntil are ISO 8601 complete dates.
	ValidFrom  string `cbor:"df" json:"df"`
	ValidUntil string `cbor:"du" json:"du"`

	CertificateID string `cbor:"ci" json:"ci"`
}

// ExemptionRecord is a vaccination exemption entry. Exemption certificates
// are judged on their validity date alone and bypass business rule
// evaluation.
type ExemptionRecord struct {
	Target string `cbor:"tg" json:"tg"`

	// ValidUntil is the ISO 8601 complete date the exemption expires.
	ValidUntil string `cbor:"du" json:"du"`

	Country       string `cbor:"co" json:"co"`
	Issuer        string `cbor:"is" json:"is"`
	CertificateID string `cbor:"ci" json:"ci"`
}

// deriveKind picks the certificate kind. Precedence when multiple entry
// types are populated: exemption, vaccination, test, recovery. The second
// return value reports whether more than one type was populated.
func deriveKind(cert *CovidCert) (CertKind, bool) {
	kind := KindUnknown
	populated := 0
	if len(cert.RecoveryRecords) > 0 {
		kind = KindRecovery
		populated++
	}
	if len(cert.TestRecords) > 0 {
		kind = KindTest
		populated++
	}
	if len(cert.VaccineRecords) > 0 {
		kind = KindVaccination
		populated++
	}
	if len(cert.ExemptionRecords) > 0 {
		kind = KindVaccinationExemption
		populated++
	}
	return kind, populated > 1
}

// CalculateKid returns the key identifier for a certificate in DER encoding:
// the first 8 bytes of its SHA256 digest.
func CalculateKid(encodedCert []byte) []byte {
	result := make([]byte, 8)
	h := sha256.New()
	h.Write(encodedCert)
	sum := h.Sum(nil)
	copy(result, sum)
	return result
}
