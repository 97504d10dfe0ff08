// Package rules selects and evaluates the country-specific business rules
// shipped with the trust list. Rules are CertLogic expressions evaluated
// against a document combining the decoded certificate payload with external
// parameters (validation clock, value sets, country, region).
package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/samber/lo"

	"github.com/dgc-dev/dccverify"
	"github.com/dgc-dev/dccverify/certlogic"
)

// CertificateType is the rule applicability tag: General rules apply to
// every certificate kind, the specific types only to their own.
type CertificateType string

const (
	General     CertificateType = "General"
	Vaccination CertificateType = "Vaccination"
	Test        CertificateType = "Test"
	Recovery    CertificateType = "Recovery"
)

// MetadataSuffix marks the parallel rule set that yields non-boolean outputs
// (e.g. a computed valid-until date) for a region instead of pass/fail.
const MetadataSuffix = "-MD"

// Rule is one country-specific business rule. The zero Region means the
// default region.
type Rule struct {
	Identifier      string          `json:"identifier"`
	Type            string          `json:"type"`
	CountryCode     string          `json:"countryCode"`
	Region          string          `json:"region,omitempty"`
	Version         string          `json:"version"`
	SchemaVersion   string          `json:"schemaVersion"`
	Engine          string          `json:"engine"`
	EngineVersion   string          `json:"engineVersion"`
	CertificateType CertificateType `json:"certificateType"`
	ValidFrom       time.Time       `json:"validFrom"`
	ValidTo         time.Time       `json:"validTo"`
	AffectedFields  []string        `json:"affectedFields,omitempty"`
	Logic           json.RawMessage `json:"logic"`
}

// appliesTo reports whether the rule's certificate type covers the kind.
func (r Rule) appliesTo(kind dccverify.CertKind) bool {
	switch r.CertificateType {
	case General:
		return true
	case Vaccination:
		return kind == dccverify.KindVaccination
	case Test:
		return kind == dccverify.KindTest
	case Recovery:
		return kind == dccverify.KindRecovery
	default:
		return false
	}
}

// Decode parses a business rule list.
func Decode(data []byte) ([]Rule, error) {
	var container struct {
		Rules []Rule `json:"rules"`
	}
	if err := json.Unmarshal(data, &container); err == nil && container.Rules != nil {
		return container.Rules, nil
	}
	// Bare array form, as served by the rules endpoints.
	var list []Rule
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decode business rules: %w", err)
	}
	return list, nil
}

// Applicable filters the rule set down to the rules that bind a verification
// of the given certificate kind, in the given country and region, at the
// given validation clock. Country comparison is case-insensitive; the clock
// must fall within [ValidFrom, ValidTo).
func Applicable(all []Rule, country string, clock time.Time, kind dccverify.CertKind, region string) []Rule {
	return lo.Filter(all, func(r Rule, _ int) bool {
		if !strings.EqualFold(r.CountryCode, country) {
			return false
		}
		if r.Region != region {
			return false
		}
		if clock.Before(r.ValidFrom) || !clock.Before(r.ValidTo) {
			return false
		}
		return r.appliesTo(kind)
	})
}

// ExternalParameters is the external half of the rule input document.
type ExternalParameters struct {
	ValidationClock   time.Time           `json:"validationClock"`
	ValueSets         map[string][]string `json:"valueSets"`
	CountryCode       string              `json:"countryCode"`
	Exp               time.Time           `json:"exp"`
	Iat               time.Time           `json:"iat"`
	IssuerCountryCode string              `json:"issuerCountryCode"`
	Kid               string              `json:"kid"`
	Region            string              `json:"region"`
}

// BuildDocument combines certificate claims and external parameters into the
// rule input document {"external": ..., "payload": ...}.
func BuildDocument(cert dccverify.CovidCert, ext ExternalParameters) (map[string]interface{}, error) {
	payload, err := toJSONValue(cert)
	if err != nil {
		return nil, fmt.Errorf("encode certificate payload: %w", err)
	}
	external, err := toJSONValue(ext)
	if err != nil {
		return nil, fmt.Errorf("encode external parameters: %w", err)
	}
	return map[string]interface{}{
		"external": external,
		"payload":  payload,
	}, nil
}

func toJSONValue(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}

// Result is the outcome of evaluating a single rule. A rule fails iff its
// expression evaluates to boolean false; an evaluation error is carried
// separately and caught at rule scope.
type Result struct {
	Identifier string
	Valid      bool
	Err        error
}

// EvaluateAll runs every selected rule against the document.
func EvaluateAll(selected []Rule, doc map[string]interface{}) []Result {
	results := make([]Result, 0, len(selected))
	for _, rule := range selected {
		results = append(results, evaluateOne(rule, doc))
	}
	return results
}

func evaluateOne(rule Rule, doc map[string]interface{}) Result {
	var logic interface{}
	if err := json.Unmarshal(rule.Logic, &logic); err != nil {
		return Result{Identifier: rule.Identifier, Err: fmt.Errorf("rule %s: decode logic: %w", rule.Identifier, err)}
	}
	value, err := certlogic.Evaluate(logic, doc)
	if err != nil {
		return Result{Identifier: rule.Identifier, Err: fmt.Errorf("rule %s: %w", rule.Identifier, err)}
	}
	failed := value == false
	return Result{Identifier: rule.Identifier, Valid: !failed}
}

// AllValid reports whether no rule failed and no rule errored.
func AllValid(results []Result) bool {
	return lo.EveryBy(results, func(r Result) bool { return r.Err == nil && r.Valid })
}

// ValidUntil runs the metadata rules (region suffixed "-MD") and returns the
// first date-typed evaluation result. Individual metadata rule failures are
// skipped, not fatal.
func ValidUntil(metadata []Rule, doc map[string]interface{}) *time.Time {
	for _, rule := range metadata {
		var logic interface{}
		if err := json.Unmarshal(rule.Logic, &logic); err != nil {
			continue
		}
		value, err := certlogic.Evaluate(logic, doc)
		if err != nil {
			continue
		}
		if date, ok := value.(certlogic.DateTime); ok {
			t := date.Time()
			return &t
		}
	}
	return nil
}
