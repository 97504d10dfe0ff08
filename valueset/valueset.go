// Package valueset models the named value sets shipped with the trust list:
// enumerations of allowed codes used both for business rule membership tests
// and for display-name lookups.
package valueset

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/samber/lo"
)

// Well-known value set names, see
// https://github.com/ehn-dcc-development/eu-dcc-valuesets
const (
	SetVaccineProducts      = "vaccines-covid-19-names"
	SetVaccineManufacturers = "vaccines-covid-19-auth-holders"
	SetVaccineProphylaxis   = "sct-vaccines-covid-19"
	SetDiseaseAgents        = "disease-agent-targeted"
	SetTestTypes            = "covid-19-lab-test-type"
	SetTestResults          = "covid-19-lab-result"
)

// Entry is one named value set; the value set itself stays a raw JSON blob
// until it is needed.
type Entry struct {
	Name     string          `json:"name"`
	ValueSet json.RawMessage `json:"valueSet"`
}

// Container is the value-set bundle as fetched from the trust list endpoint.
type Container struct {
	ValueSets []Entry `json:"valueSets"`
}

type valueDetail struct {
	Display string `json:"display"`
	Lang    string `json:"lang"`
	Active  bool   `json:"active"`
	Version string `json:"version"`
	System  string `json:"system"`
}

type decodedSet struct {
	ID     string                 `json:"valueSetId"`
	Date   string                 `json:"valueSetDate"`
	Values map[string]valueDetail `json:"valueSetValues"`
}

// Decode parses a value-set bundle.
func Decode(data []byte) (*Container, error) {
	var c Container
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode value sets: %w", err)
	}
	return &c, nil
}

// Flatten returns the name→codes mapping the rule engine consumes as the
// external valueSets parameter. The container itself is immutable; callers
// that cache the result must recompute it when the container is replaced.
func (c *Container) Flatten() (map[string][]string, error) {
	flattened := make(map[string][]string, len(c.ValueSets))
	for _, entry := range c.ValueSets {
		var set decodedSet
		if err := json.Unmarshal(entry.ValueSet, &set); err != nil {
			return nil, fmt.Errorf("decode value set %q: %w", entry.Name, err)
		}
		flattened[entry.Name] = lo.Keys(set.Values)
	}
	return flattened, nil
}

// DisplayName returns the human-readable name of a code within the named
// value set, or the code itself when the set or code is unknown.
func (c *Container) DisplayName(setName, code string) string {
	entry, found := lo.Find(c.ValueSets, func(e Entry) bool { return e.Name == setName })
	if !found {
		return code
	}
	var set decodedSet
	if err := json.Unmarshal(entry.ValueSet, &set); err != nil {
		return code
	}
	detail, ok := set.Values[code]
	if !ok || detail.Display == "" {
		return code
	}
	return detail.Display
}

// VaccineProduct returns the display name of a vaccine medicinal product
// code (mp field of a vaccination entry).
func (c *Container) VaccineProduct(code string) string {
	return c.DisplayName(SetVaccineProducts, code)
}

// VaccineManufacturer returns the display name of a marketing authorization
// holder code (ma field of a vaccination entry).
func (c *Container) VaccineManufacturer(code string) string {
	return c.DisplayName(SetVaccineManufacturers, code)
}

// VaccineProphylaxis returns the display name of a vaccine/prophylaxis code
// (vp field of a vaccination entry).
func (c *Container) VaccineProphylaxis(code string) string {
	return c.DisplayName(SetVaccineProphylaxis, code)
}

// DiseaseAgent returns the display name of a disease-agent-targeted code
// (tg field).
func (c *Container) DiseaseAgent(code string) string {
	return c.DisplayName(SetDiseaseAgents, code)
}

// TestType returns the display name of a test type code (tt field of a test
// entry).
func (c *Container) TestType(code string) string {
	return c.DisplayName(SetTestTypes, code)
}

// TestResult returns the display name of a test result code (tr field of a
// test entry).
func (c *Container) TestResult(code string) string {
	return c.DisplayName(SetTestResults, code)
}
