package trustlist

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/avast/retry-go/v4"
	"github.com/sirupsen/logrus"
)

// Endpoints are the six GET endpoints of the trust list backend: each
// category is served as a payload resource plus a detached signature
// resource.
type Endpoints struct {
	Keys               string
	KeysSignature      string
	ValueSets          string
	ValueSetsSignature string
	Rules              string
	RulesSignature     string
}

func (e Endpoints) forCategory(c Category) (payloadURL, signatureURL string) {
	switch c {
	case CategoryKeys:
		return e.Keys, e.KeysSignature
	case CategoryValueSets:
		return e.ValueSets, e.ValueSetsSignature
	default:
		return e.Rules, e.RulesSignature
	}
}

// RefresherOption configures a Refresher.
type RefresherOption func(*Refresher)

func WithHTTPClient(client *http.Client) RefresherOption {
	return func(r *Refresher) {
		r.client = client
	}
}

func WithRetryAttempts(attempts uint) RefresherOption {
	return func(r *Refresher) {
		r.attempts = attempts
	}
}

func WithUserAgent(ua string) RefresherOption {
	return func(r *Refresher) {
		r.userAgent = ua
	}
}

// Refresher keeps the Store up to date. It is the Store's only writer.
//
// Refresh errors never propagate to verification callers: a failed category
// leaves the store untouched and verification continues on the cached data
// until it hard-expires.
type Refresher struct {
	store     *Store
	endpoints Endpoints
	anchor    *x509.Certificate
	client    *http.Client
	attempts  uint
	userAgent string
}

// NewRefresher builds a Refresher verifying fetched payloads against the
// given trust anchor, the fixed root certificate distinct from the rotating
// signer keys it authorizes.
func NewRefresher(store *Store, endpoints Endpoints, anchor *x509.Certificate, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		store:     store,
		endpoints: endpoints,
		anchor:    anchor,
		client:    http.DefaultClient,
		attempts:  3,
		userAgent: "github.com/dgc-dev/dccverify",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Refresh updates the three categories concurrently. A failure in one
// category does not abort the others. With force set, fresh categories are
// re-checked anyway.
func (r *Refresher) Refresh(ctx context.Context, force bool) {
	var wg sync.WaitGroup
	for _, c := range Categories {
		wg.Add(1)
		go func(c Category) {
			defer wg.Done()
			r.refreshCategory(ctx, c, force)
		}(c)
	}
	wg.Wait()
}

func (r *Refresher) refreshCategory(ctx context.Context, c Category, force bool) {
	log := logrus.WithField("category", c.String())

	if !force && r.store.Valid(c) && !r.store.Stale(c) {
		return
	}

	payloadURL, signatureURL := r.endpoints.forCategory(c)

	signature, err := r.fetch(ctx, signatureURL)
	if err != nil {
		log.Warnf("trust list signature fetch failed: %v", err)
		return
	}

	sum := sha256.Sum256(signature)
	contentHash := hex.EncodeToString(sum[:])
	if contentHash == r.store.ContentHash(c) {
		// Backend content unchanged: the cheap signature re-check is enough,
		// skip re-fetching the (larger) payload.
		if err := r.store.Touch(c); err != nil {
			log.Warnf("trust list freshness update failed: %v", err)
		}
		return
	}

	payload, err := r.fetch(ctx, payloadURL)
	if err != nil {
		log.Warnf("trust list payload fetch failed: %v", err)
		return
	}

	if err := verifyDetached(r.anchor, payload, signature); err != nil {
		log.Warnf("trust list payload rejected: %v", err)
		return
	}

	if err := r.store.Set(c, payload, contentHash); err != nil {
		log.Warnf("trust list update failed: %v", err)
		return
	}
	log.Infof("trust list updated (%d bytes)", len(payload))
}

func (r *Refresher) fetch(ctx context.Context, url string) ([]byte, error) {
	return retry.DoWithData(
		func() ([]byte, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Accept", "application/octet-stream")
			req.Header.Set("User-Agent", r.userAgent)
			resp, err := r.client.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return nil, fmt.Errorf("unexpected HTTP status code: got %v, want %v", resp.Status, http.StatusOK)
			}
			return io.ReadAll(resp.Body)
		},
		retry.Context(ctx),
		retry.Attempts(r.attempts),
		retry.LastErrorOnly(true),
	)
}

// verifyDetached checks the detached signature over the payload against the
// trust anchor's public key (SHA-256 digest).
func verifyDetached(anchor *x509.Certificate, payload, signature []byte) error {
	if anchor == nil {
		return errors.New("no trust anchor configured")
	}
	digest := sha256.Sum256(payload)
	switch pub := anchor.PublicKey.(type) {
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(pub, digest[:], signature) {
			return errors.New("payload signature does not validate against trust anchor")
		}
		return nil
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], signature); err != nil {
			return fmt.Errorf("payload signature does not validate against trust anchor: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported trust anchor key type %T", pub)
	}
}

// LoadTrustAnchor parses the PEM-encoded root certificate used to validate
// trust list update bundles.
func LoadTrustAnchor(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("trust anchor is not a PEM certificate")
	}
	return x509.ParseCertificate(block.Bytes)
}
