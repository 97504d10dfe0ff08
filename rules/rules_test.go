package rules

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgc-dev/dccverify"
)

var (
	windowStart = time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	windowEnd   = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	clock       = time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)
)

func mkRule(id, country, region string, certType CertificateType, logic string) Rule {
	return Rule{
		Identifier:      id,
		Type:            "Acceptance",
		CountryCode:     country,
		Region:          region,
		Version:         "1.0.0",
		SchemaVersion:   "1.0.0",
		Engine:          "CERTLOGIC",
		EngineVersion:   "0.7.5",
		CertificateType: certType,
		ValidFrom:       windowStart,
		ValidTo:         windowEnd,
		Logic:           json.RawMessage(logic),
	}
}

func TestDecode(t *testing.T) {
	container := `{"rules": [{"identifier": "GR-AT-0001", "countryCode": "AT", "certificateType": "General", "logic": true}]}`
	rules, err := Decode([]byte(container))
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "GR-AT-0001", rules[0].Identifier)

	bare := `[{"identifier": "VR-AT-0001", "countryCode": "AT", "certificateType": "Vaccination", "logic": true}]`
	rules, err = Decode([]byte(bare))
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "VR-AT-0001", rules[0].Identifier)

	_, err = Decode([]byte(`{`))
	assert.Error(t, err)
}

func TestApplicable(t *testing.T) {
	all := []Rule{
		mkRule("GR-AT-0001", "AT", "", General, `true`),
		mkRule("VR-AT-0001", "AT", "", Vaccination, `true`),
		mkRule("TR-AT-0001", "AT", "", Test, `true`),
		mkRule("VR-AT-W-0001", "AT", "W", Vaccination, `true`),
		mkRule("VR-DE-0001", "DE", "", Vaccination, `true`),
	}

	ids := func(selected []Rule) []string {
		out := make([]string, len(selected))
		for i, r := range selected {
			out[i] = r.Identifier
		}
		return out
	}

	selected := Applicable(all, "AT", clock, dccverify.KindVaccination, "")
	assert.ElementsMatch(t, []string{"GR-AT-0001", "VR-AT-0001"}, ids(selected))

	// Region selection is exact, the default region does not inherit.
	selected = Applicable(all, "AT", clock, dccverify.KindVaccination, "W")
	assert.ElementsMatch(t, []string{"VR-AT-W-0001"}, ids(selected))

	// Country matching is case-insensitive.
	selected = Applicable(all, "at", clock, dccverify.KindTest, "")
	assert.ElementsMatch(t, []string{"GR-AT-0001", "TR-AT-0001"}, ids(selected))

	// A clock outside [ValidFrom, ValidTo) never selects.
	assert.Empty(t, Applicable(all, "AT", windowStart.Add(-time.Hour), dccverify.KindVaccination, ""))
	assert.Empty(t, Applicable(all, "AT", windowEnd, dccverify.KindVaccination, ""))
}

func testDocument(t *testing.T) map[string]interface{} {
	t.Helper()
	cert := dccverify.CovidCert{
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
	doc, err := BuildDocument(cert, ExternalParameters{
		ValidationClock: clock,
		ValueSets: map[string][]string{
			"vaccines-covid-19-names": {"EU/1/20/1528", "EU/1/20/1507"},
		},
		CountryCode:       "AT",
		IssuerCountryCode: "AT",
	})
	require.NoError(t, err)
	return doc
}

func TestBuildDocument(t *testing.T) {
	doc := testDocument(t)

	payload, ok := doc["payload"].(map[string]interface{})
	require.True(t, ok)
	v, ok := payload["v"].([]interface{})
	require.True(t, ok)
	require.Len(t, v, 1)
	assert.Equal(t, float64(2), v[0].(map[string]interface{})["dn"])

	external, ok := doc["external"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "AT", external["countryCode"])
	sets, ok := external["valueSets"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, sets, "vaccines-covid-19-names")
}

func TestEvaluateAll(t *testing.T) {
	doc := testDocument(t)

	fullSeries := mkRule("VR-AT-0001", "AT", "", Vaccination,
		`{">=": [{"var": "payload.v.0.dn"}, {"var": "payload.v.0.sd"}]}`)
	knownProduct := mkRule("VR-AT-0002", "AT", "", Vaccination,
		`{"in": [{"var": "payload.v.0.mp"}, {"var": "external.valueSets.vaccines-covid-19-names"}]}`)
	alwaysFails := mkRule("VR-AT-0003", "AT", "", Vaccination, `false`)
	broken := mkRule("VR-AT-0004", "AT", "", Vaccination, `{"if": [3, 1, 2]}`)

	results := EvaluateAll([]Rule{fullSeries, knownProduct}, doc)
	require.Len(t, results, 2)
	assert.True(t, AllValid(results))

	results = EvaluateAll([]Rule{fullSeries, alwaysFails}, doc)
	assert.False(t, AllValid(results))
	assert.True(t, results[0].Valid)
	assert.False(t, results[1].Valid)
	assert.NoError(t, results[1].Err)

	// An evaluation error is caught at rule scope and fails the verdict.
	results = EvaluateAll([]Rule{broken}, doc)
	assert.False(t, AllValid(results))
	assert.Error(t, results[0].Err)

	// A non-boolean result is not a failure: only false fails.
	nonBoolean := mkRule("VR-AT-0005", "AT", "", Vaccination, `{"var": "payload.v.0.dn"}`)
	results = EvaluateAll([]Rule{nonBoolean}, doc)
	assert.True(t, AllValid(results))
}

func TestValidUntil(t *testing.T) {
	doc := testDocument(t)

	broken := mkRule("MD-AT-0000", "AT", "W-MD", General, `{"if": [3, 1, 2]}`)
	nonDate := mkRule("MD-AT-0001", "AT", "W-MD", General, `"not a date"`)
	validUntil := mkRule("MD-AT-0002", "AT", "W-MD", General,
		`{"plusTime": [{"var": "payload.v.0.dt"}, 270, "day"]}`)

	// Broken and non-date metadata rules are skipped, not fatal.
	got := ValidUntil([]Rule{broken, nonDate, validUntil}, doc)
	require.NotNil(t, got)
	assert.Equal(t, "2021-11-15", got.UTC().Format("2006-01-02"))

	assert.Nil(t, ValidUntil([]Rule{broken, nonDate}, doc))
	assert.Nil(t, ValidUntil(nil, doc))
}

func TestExpandPlaceholders(t *testing.T) {
	doc := testDocument(t)

	got := ExpandPlaceholders("Vaccinated on #payload.v.0.dt# with #payload.v.0.mp#", doc)
	assert.Equal(t, "Vaccinated on 18.02.2021 with EU/1/20/1528", got)

	// Unresolvable placeholders collapse to the empty string.
	got = ExpandPlaceholders("missing: '#payload.t.0.tt#'", doc)
	assert.Equal(t, "missing: ''", got)

	got = ExpandPlaceholders("doses: #payload.v.0.dn#", doc)
	assert.Equal(t, "doses: 2", got)
}
