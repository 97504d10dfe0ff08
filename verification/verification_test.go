package verification

import (
	"bytes"
	"compress/zlib"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"
	"github.com/minvws/base45-go/eubase45"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgc-dev/dccverify"
	"github.com/dgc-dev/dccverify/rules"
	"github.com/dgc-dev/dccverify/trustlist"
)

var clock = time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)

type testHcert struct {
	DCC dccverify.CovidCert `cbor:"1,keyasint"`
}

type testClaims struct {
	Iss   string    `cbor:"1,keyasint"`
	Exp   int64     `cbor:"4,keyasint"`
	Iat   int64     `cbor:"6,keyasint"`
	HCert testHcert `cbor:"-260,keyasint"`
}

type testHeader struct {
	Alg int    `cbor:"1,keyasint,omitempty"`
	Kid []byte `cbor:"4,keyasint,omitempty"`
}

var testKid = []byte{1, 1, 2, 2, 3, 3, 4, 4}

// encodeQR produces signed HC1 QR data for the given certificate.
func encodeQR(t *testing.T, cert dccverify.CovidCert, key *ecdsa.PrivateKey) string {
	t.Helper()

	payload, err := cbor.Marshal(testClaims{
		Iss:   "AT",
		Exp:   time.Now().Add(24 * time.Hour).Unix(),
		Iat:   time.Now().Add(-time.Hour).Unix(),
		HCert: testHcert{DCC: cert},
	})
	require.NoError(t, err)

	protected, err := cbor.Marshal(testHeader{Alg: -7, Kid: testKid})
	require.NoError(t, err)

	toBeSigned, err := cbor.Marshal([]interface{}{"Signature1", protected, []byte{}, payload})
	require.NoError(t, err)
	digest := sha256.Sum256(toBeSigned)

	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	require.NoError(t, err)
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])

	coseData, err := cbor.Marshal([]interface{}{
		protected,
		map[interface{}]interface{}{},
		payload,
		sig,
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, err = zw.Write(coseData)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	return "HC1:" + string(eubase45.EUBase45Encode(buf.Bytes()))
}

func vaccinationCert() dccverify.CovidCert {
	return dccverify.CovidCert{
		Version:     "1.2.1",
		DateOfBirth: "1998-02-26",
		VaccineRecords: []dccverify.VaccineRecord{{
			Target:     "840539006",
			Product:    "EU/1/20/1528",
			Doses:      2,
			DoseSeries: 2,
			Date:       "2021-02-18",
			Country:    "AT",
		}},
	}
}

func mkRule(id, region string, certType rules.CertificateType, logic string) rules.Rule {
	return rules.Rule{
		Identifier:      id,
		CountryCode:     "AT",
		Region:          region,
		Engine:          "CERTLOGIC",
		CertificateType: certType,
		ValidFrom:       time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC),
		ValidTo:         time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		Logic:           json.RawMessage(logic),
	}
}

func testTrustList(t *testing.T, key *ecdsa.PrivateKey, ruleList []rules.Rule) *trustlist.TrustList {
	t.Helper()
	return &trustlist.TrustList{
		Keys: []dccverify.TrustedKey{{
			Kid:    testKid,
			Use:    "sig",
			Public: key.Public(),
		}},
		ValueSets: map[string][]string{
			"vaccines-covid-19-names": {"EU/1/20/1528"},
		},
		Rules: ruleList,
	}
}

func TestVerifySuccess(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	qr := encodeQR(t, vaccinationCert(), key)

	list := testTrustList(t, key, []rules.Rule{
		mkRule("VR-AT-0001", "", rules.Vaccination,
			`{">=": [{"var": "payload.v.0.dn"}, {"var": "payload.v.0.sd"}]}`),
		mkRule("GR-AT-0002", "", rules.General,
			`{"in": [{"var": "payload.v.0.mp"}, {"var": "external.valueSets.vaccines-covid-19-names"}]}`),
		mkRule("MD-AT-0001", "-MD", rules.General,
			`{"plusTime": [{"var": "payload.v.0.dt"}, 270, "day"]}`),
		// A region whose rules reject the certificate.
		mkRule("VR-AT-W-0001", "W", rules.Vaccination, `false`),
	})

	unverified, err := dccverify.Decode(qr)
	require.NoError(t, err)

	result := NewVerifier().Verify(context.Background(), unverified, list, Request{
		CountryCode:        "AT",
		Regions:            []string{"W"},
		CheckDefaultRegion: true,
		Clock:              &clock,
	})

	require.Equal(t, StatusSuccess, result.Status)
	require.Len(t, result.Results, 2)
	assert.False(t, result.IsInvalid())

	byRegion := map[string]RegionResult{}
	for _, r := range result.Results {
		byRegion[r.Region] = r
	}
	require.True(t, byRegion[""].Valid)
	require.NotNil(t, byRegion[""].ValidUntil)
	assert.Equal(t, "2021-11-15", byRegion[""].ValidUntil.UTC().Format("2006-01-02"))
	assert.False(t, byRegion["W"].Valid)
	assert.Nil(t, byRegion["W"].ValidUntil)
}

func TestVerifySignatureInvalid(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	otherKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	qr := encodeQR(t, vaccinationCert(), key)

	// The trust list carries a different key: rules would pass, but the
	// signature verdict wins.
	list := testTrustList(t, otherKey, []rules.Rule{
		mkRule("GR-AT-0001", "", rules.General, `true`),
	})

	unverified, err := dccverify.Decode(qr)
	require.NoError(t, err)

	result := NewVerifier().Verify(context.Background(), unverified, list, Request{
		CountryCode:        "AT",
		CheckDefaultRegion: true,
		Clock:              &clock,
	})
	assert.Equal(t, StatusSignatureInvalid, result.Status)
	assert.Empty(t, result.Results)
	assert.True(t, result.IsInvalid())
}

func TestVerifyTimeMissing(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	qr := encodeQR(t, vaccinationCert(), key)
	list := testTrustList(t, key, nil)

	unverified, err := dccverify.Decode(qr)
	require.NoError(t, err)

	result := NewVerifier().Verify(context.Background(), unverified, list, Request{
		CountryCode:        "AT",
		CheckDefaultRegion: true,
	})
	assert.Equal(t, StatusTimeMissing, result.Status)
	assert.False(t, result.IsInvalid())
}

func TestVerifyDataExpired(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	qr := encodeQR(t, vaccinationCert(), key)

	unverified, err := dccverify.Decode(qr)
	require.NoError(t, err)

	result := NewVerifier().Verify(context.Background(), unverified, nil, Request{
		CountryCode: "AT",
		Clock:       &clock,
	})
	assert.Equal(t, StatusDataExpired, result.Status)
	assert.False(t, result.IsInvalid())
}

func TestVerifyExemptionBypassesRules(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	exemption := dccverify.CovidCert{
		Version:     "1.2.1",
		DateOfBirth: "1998-02-26",
		ExemptionRecords: []dccverify.ExemptionRecord{{
			Target:     "840539006",
			ValidUntil: "2021-09-01",
			Country:    "AT",
		}},
	}
	qr := encodeQR(t, exemption, key)

	// A General rule that rejects everything: it must never run for an
	// exemption certificate.
	list := testTrustList(t, key, []rules.Rule{
		mkRule("GR-AT-0001", "", rules.General, `false`),
	})

	unverified, err := dccverify.Decode(qr)
	require.NoError(t, err)
	require.Equal(t, dccverify.KindVaccinationExemption, unverified.Kind())

	result := NewVerifier().Verify(context.Background(), unverified, list, Request{
		CountryCode:        "AT",
		CheckDefaultRegion: true,
		Clock:              &clock,
	})
	require.Equal(t, StatusSuccess, result.Status)
	require.Len(t, result.Results, 1)
	assert.True(t, result.Results[0].Valid)
	require.NotNil(t, result.Results[0].ValidUntil)
	assert.Equal(t, "2021-09-01", result.Results[0].ValidUntil.UTC().Format("2006-01-02"))

	// Past the exemption's validity date the verdict flips.
	lateClock := time.Date(2021, 10, 1, 0, 0, 0, 0, time.UTC)
	result = NewVerifier().Verify(context.Background(), unverified, list, Request{
		CountryCode:        "AT",
		CheckDefaultRegion: true,
		Clock:              &lateClock,
	})
	require.Equal(t, StatusSuccess, result.Status)
	assert.False(t, result.Results[0].Valid)
	assert.True(t, result.IsInvalid())
}

type fixedClock struct {
	now time.Time
	ok  bool
}

func (c fixedClock) Now() (time.Time, bool) { return c.now, c.ok }

func controllerStore(t *testing.T, key *ecdsa.PrivateKey) *trustlist.Store {
	t.Helper()

	size := (key.Curve.Params().BitSize + 7) / 8
	x := make([]byte, size)
	y := make([]byte, size)
	key.X.FillBytes(x)
	key.Y.FillBytes(y)
	keysPayload, err := json.Marshal(trustlist.KeyContainer{Certs: []trustlist.KeyEntry{{
		Kid: base64.StdEncoding.EncodeToString(testKid),
		Alg: "ES256",
		Use: "sig",
		Crv: "P-256",
		X:   base64.StdEncoding.EncodeToString(x),
		Y:   base64.StdEncoding.EncodeToString(y),
	}}})
	require.NoError(t, err)

	valueSetsPayload := []byte(`{"valueSets": [{"name": "vaccines-covid-19-names", "valueSet": {"valueSetId": "vaccines-covid-19-names", "valueSetValues": {"EU/1/20/1528": {"display": "Comirnaty"}}}}]}`)
	rulesPayload, err := json.Marshal([]rules.Rule{
		mkRule("GR-AT-0001", "", rules.General,
			`{"in": [{"var": "payload.v.0.mp"}, {"var": "external.valueSets.vaccines-covid-19-names"}]}`),
	})
	require.NoError(t, err)

	store := trustlist.NewStore(trustlist.NewMemStorage())
	require.NoError(t, store.Set(trustlist.CategoryKeys, keysPayload, "hash-keys"))
	require.NoError(t, store.Set(trustlist.CategoryValueSets, valueSetsPayload, "hash-valuesets"))
	require.NoError(t, store.Set(trustlist.CategoryRules, rulesPayload, "hash-rules"))
	return store
}

func TestControllerVerifyQR(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	store := controllerStore(t, key)
	refresher := trustlist.NewRefresher(store, trustlist.Endpoints{}, nil)

	controller := NewController(store, refresher,
		WithValidationClock(fixedClock{now: clock, ok: true}))

	qr := encodeQR(t, vaccinationCert(), key)
	result, err := controller.VerifyQR(context.Background(), qr, Request{
		CountryCode:        "AT",
		CheckDefaultRegion: true,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.False(t, result.IsInvalid())

	// Decode failures are hard errors, not folded into the status.
	_, err = controller.VerifyQR(context.Background(), "garbage", Request{CountryCode: "AT"})
	assert.Error(t, err)

	// Without a trusted time source, rule evaluation is skipped.
	controller = NewController(store, refresher,
		WithValidationClock(fixedClock{}))
	result, err = controller.VerifyQR(context.Background(), qr, Request{
		CountryCode:        "AT",
		CheckDefaultRegion: true,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusTimeMissing, result.Status)

	// A cancelled context drops the verdict.
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = controller.VerifyQR(cancelled, qr, Request{CountryCode: "AT"})
	assert.Error(t, err)
}
