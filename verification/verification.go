// Package verification composes decoding, signature verification and
// business rule evaluation into a single per-scan verdict.
package verification

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dgc-dev/dccverify"
	"github.com/dgc-dev/dccverify/certlogic"
	"github.com/dgc-dev/dccverify/rules"
	"github.com/dgc-dev/dccverify/trustlist"
)

// Status is the overall verdict of one verification pass.
type Status int

const (
	// StatusSuccess means signature and rule evaluation ran; the per-region
	// pass/fail verdicts are carried in the results.
	StatusSuccess Status = iota

	// StatusSignatureInvalid means the message is well-formed but no trusted
	// key validated its signature.
	StatusSignatureInvalid

	// StatusError means an unexpected failure aborted the pass.
	StatusError

	// StatusTimeMissing means no trusted validation clock was available, so
	// rule evaluation was skipped entirely.
	StatusTimeMissing

	// StatusDataExpired means the trust list is absent or past its hard max
	// age.
	StatusDataExpired
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusSignatureInvalid:
		return "SIGNATURE_INVALID"
	case StatusError:
		return "ERROR"
	case StatusTimeMissing:
		return "TIMEMISSING"
	case StatusDataExpired:
		return "DATAEXPIRED"
	default:
		return "UNKNOWN"
	}
}

// RegionResult is the verdict for a single region. The zero Region is the
// default region.
type RegionResult struct {
	Region     string
	Valid      bool
	ValidUntil *time.Time
}

// Result is the merged outcome of one verification pass. Results is only
// populated for StatusSuccess.
type Result struct {
	Status  Status
	Results []RegionResult
}

// IsInvalid reports whether the result should be presented as invalid: a
// signature or mechanism failure, or no region validating.
func (r Result) IsInvalid() bool {
	if r.Status == StatusSignatureInvalid || r.Status == StatusError {
		return true
	}
	if r.Status == StatusSuccess {
		for _, res := range r.Results {
			if res.Valid {
				return false
			}
		}
		return true
	}
	return false
}

// Request describes one verification pass.
type Request struct {
	// CountryCode selects the rule set, e.g. "AT".
	CountryCode string

	// Regions are the region codes to evaluate.
	Regions []string

	// CheckDefaultRegion additionally evaluates the default (unnamed)
	// region. Whether the default region runs unconditionally differs
	// between deployments, so it is a per-request policy rather than a
	// fixed default.
	CheckDefaultRegion bool

	// Clock is the trusted validation time, or nil when no trusted time
	// source is available.
	Clock *time.Time
}

// Verifier runs verification passes against a trust list snapshot.
type Verifier struct {
	decoder *dccverify.Decoder
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithDecoder replaces the certificate decoder, e.g. to pin the expiry
// comparison to a fixed clock in tests.
func WithDecoder(d *dccverify.Decoder) VerifierOption {
	return func(v *Verifier) {
		v.decoder = d
	}
}

func NewVerifier(opts ...VerifierOption) *Verifier {
	v := &Verifier{decoder: dccverify.DefaultDecoder}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks the certificate signature and evaluates the business rules
// for every requested region concurrently, returning the merged verdict.
func (v *Verifier) Verify(ctx context.Context, unverified *dccverify.Unverified, list *trustlist.TrustList, req Request) Result {
	if list == nil {
		return Result{Status: StatusDataExpired}
	}

	sigCh := make(chan error, 1)
	go func() {
		sigCh <- v.checkSignature(unverified, list)
	}()

	var regionResults []RegionResult
	var regionErr error
	if req.Clock != nil {
		if unverified.Kind() == dccverify.KindVaccinationExemption {
			regionResults = []RegionResult{exemptionResult(unverified.SkipVerification(), *req.Clock)}
		} else {
			regionResults, regionErr = v.checkRegions(ctx, unverified, list, req)
		}
	}

	sigErr := <-sigCh

	switch {
	case errors.Is(sigErr, dccverify.ErrNoMatchingKey), errors.Is(sigErr, dccverify.ErrExpired):
		return Result{Status: StatusSignatureInvalid}
	case sigErr != nil:
		return Result{Status: StatusError}
	}

	if req.Clock == nil {
		return Result{Status: StatusTimeMissing}
	}
	if regionErr != nil {
		return Result{Status: StatusError}
	}
	return Result{Status: StatusSuccess, Results: regionResults}
}

func (v *Verifier) checkSignature(unverified *dccverify.Unverified, list *trustlist.TrustList) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("signature check panicked")
		}
	}()
	_, err = unverified.Verify(list)
	return err
}

// exemptionResult judges a vaccination-exemption certificate on its validity
// date alone; exemptions bypass rule evaluation entirely.
func exemptionResult(decoded *dccverify.Decoded, clock time.Time) RegionResult {
	if len(decoded.Cert.ExemptionRecords) == 0 {
		return RegionResult{}
	}
	until, err := certlogic.ParseDateTime(decoded.Cert.ExemptionRecords[0].ValidUntil)
	if err != nil {
		return RegionResult{}
	}
	t := until.Time()
	return RegionResult{Valid: t.After(clock), ValidUntil: &t}
}

// checkRegions evaluates the rules for the default region (if requested) and
// every named region concurrently.
func (v *Verifier) checkRegions(ctx context.Context, unverified *dccverify.Unverified, list *trustlist.TrustList, req Request) ([]RegionResult, error) {
	regions := make([]string, 0, len(req.Regions)+1)
	if req.CheckDefaultRegion {
		regions = append(regions, "")
	}
	regions = append(regions, req.Regions...)

	results := make([]RegionResult, len(regions))
	var wg sync.WaitGroup
	for i, region := range regions {
		wg.Add(1)
		go func(i int, region string) {
			defer wg.Done()
			results[i] = v.checkRegion(unverified, list, req, region)
		}(i, region)
	}
	wg.Wait()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return results, nil
}

// checkRegion runs the main rule pass for one region and, when it passes,
// the metadata pass for the valid-until date. Any evaluation failure is
// caught at this scope and degrades to an invalid verdict for the region
// only.
func (v *Verifier) checkRegion(unverified *dccverify.Unverified, list *trustlist.TrustList, req Request, region string) (result RegionResult) {
	result = RegionResult{Region: region}
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("rule evaluation for region %q panicked: %v", region, r)
			result = RegionResult{Region: region}
		}
	}()

	decoded := unverified.SkipVerification()
	issuerCountry := decoded.Issuer
	if issuerCountry == "" {
		issuerCountry = req.CountryCode
	}
	doc, err := rules.BuildDocument(decoded.Cert, rules.ExternalParameters{
		ValidationClock:   *req.Clock,
		ValueSets:         list.ValueSets,
		CountryCode:       req.CountryCode,
		Exp:               decoded.Expiration,
		Iat:               decoded.IssuedAt,
		IssuerCountryCode: issuerCountry,
		Region:            region,
	})
	if err != nil {
		return result
	}

	selected := rules.Applicable(list.Rules, req.CountryCode, *req.Clock, unverified.Kind(), region)
	evaluated := rules.EvaluateAll(selected, doc)
	if !rules.AllValid(evaluated) {
		return result
	}

	result.Valid = true
	metadata := rules.Applicable(list.Rules, req.CountryCode, *req.Clock, unverified.Kind(), region+rules.MetadataSuffix)
	result.ValidUntil = rules.ValidUntil(metadata, doc)
	return result
}
