package trustlist

import (
	"fmt"
	"sync"
	"time"

	"github.com/dgc-dev/dccverify"
	"github.com/dgc-dev/dccverify/rules"
	"github.com/dgc-dev/dccverify/valueset"
)

const (
	// DefaultUpdateInterval is the age beyond which a category counts as
	// stale and gets refreshed opportunistically.
	DefaultUpdateInterval = 24 * time.Hour

	// DefaultMaxAge is the hard expiry: beyond it the trust list as a whole
	// is unusable even though the individual categories are still present.
	DefaultMaxAge = 72 * time.Hour
)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock replaces the wall clock, for tests and trusted time sources.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

func WithUpdateInterval(d time.Duration) StoreOption {
	return func(s *Store) {
		s.updateInterval = d
	}
}

func WithMaxAge(d time.Duration) StoreOption {
	return func(s *Store) {
		s.maxAge = d
	}
}

// Store owns the trust list assets. Category blobs are lazily loaded from
// Storage on first access and memoized; writes go through Set/Touch, which
// persist, stamp the freshness metadata and invalidate the derived
// projections. Reads and the single writer (the Refresher) may run
// concurrently: every mutation is a whole-value replacement under the lock,
// never an in-place edit of handed-out data.
type Store struct {
	storage        Storage
	now            func() time.Time
	updateInterval time.Duration
	maxAge         time.Duration

	mu        sync.RWMutex
	blobs     map[Category][]byte
	blobRead  map[Category]bool
	meta      map[Category]*Metadata
	keys      *KeyContainer
	valueSets *valueset.Container
	mapped    map[string][]string
	ruleList  []rules.Rule
}

func NewStore(storage Storage, opts ...StoreOption) *Store {
	s := &Store{
		storage:        storage,
		now:            time.Now,
		updateInterval: DefaultUpdateInterval,
		maxAge:         DefaultMaxAge,
		blobs:          make(map[Category][]byte),
		blobRead:       make(map[Category]bool),
		meta:           make(map[Category]*Metadata),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// blobLocked returns the raw category blob, loading it from storage on first
// access. Caller must hold s.mu.
func (s *Store) blobLocked(c Category) []byte {
	if !s.blobRead[c] {
		data, err := s.storage.ReadBlob(c)
		if err != nil {
			data = nil
		}
		s.blobs[c] = data
		s.blobRead[c] = true
	}
	return s.blobs[c]
}

func (s *Store) metaLocked(c Category) Metadata {
	if s.meta[c] == nil {
		m, err := s.storage.ReadMeta(c)
		if err != nil {
			m = Metadata{}
		}
		s.meta[c] = &m
	}
	return *s.meta[c]
}

// Keys returns the decoded signer key container, or nil when absent or
// undecodable.
func (s *Store) Keys() *KeyContainer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys == nil {
		data := s.blobLocked(CategoryKeys)
		if data == nil {
			return nil
		}
		keys, err := DecodeKeys(data)
		if err != nil {
			return nil
		}
		s.keys = keys
	}
	return s.keys
}

// ValueSets returns the decoded value-set container, or nil when absent or
// undecodable.
func (s *Store) ValueSets() *valueset.Container {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valueSetsLocked()
}

func (s *Store) valueSetsLocked() *valueset.Container {
	if s.valueSets == nil {
		data := s.blobLocked(CategoryValueSets)
		if data == nil {
			return nil
		}
		container, err := valueset.Decode(data)
		if err != nil {
			return nil
		}
		s.valueSets = container
	}
	return s.valueSets
}

// MappedValueSets returns the flattened name→codes projection used as the
// external valueSets rule parameter. The projection is memoized and
// recomputed after the value sets are replaced.
func (s *Store) MappedValueSets() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mapped == nil {
		container := s.valueSetsLocked()
		if container == nil {
			return nil
		}
		mapped, err := container.Flatten()
		if err != nil {
			return nil
		}
		s.mapped = mapped
	}
	return s.mapped
}

// Rules returns the decoded business rules, or nil when absent or
// undecodable.
func (s *Store) Rules() []rules.Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ruleList == nil {
		data := s.blobLocked(CategoryRules)
		if data == nil {
			return nil
		}
		list, err := rules.Decode(data)
		if err != nil {
			return nil
		}
		s.ruleList = list
	}
	return s.ruleList
}

// decodeCheck validates that a payload decodes into a usable category
// structure before it may replace the stored one. Stale data is preferred
// over corrupt data.
func decodeCheck(c Category, payload []byte) error {
	switch c {
	case CategoryKeys:
		keys, err := DecodeKeys(payload)
		if err != nil {
			return err
		}
		if len(keys.Certs) == 0 {
			return fmt.Errorf("trust list key payload contains no keys")
		}
	case CategoryValueSets:
		if _, err := valueset.Decode(payload); err != nil {
			return err
		}
	case CategoryRules:
		if _, err := rules.Decode(payload); err != nil {
			return err
		}
	}
	return nil
}

// Set replaces a category's contents: the payload is decode-checked,
// persisted together with fresh metadata, and the memoized decoded value and
// derived projections are dropped so readers see the new contents.
func (s *Store) Set(c Category, payload []byte, contentHash string) error {
	if err := decodeCheck(c, payload); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.storage.WriteBlob(c, payload); err != nil {
		return err
	}
	m := Metadata{LastUpdate: s.now().UnixMilli(), ContentHash: contentHash}
	if err := s.storage.WriteMeta(c, m); err != nil {
		return err
	}
	s.blobs[c] = payload
	s.blobRead[c] = true
	s.meta[c] = &m
	switch c {
	case CategoryKeys:
		s.keys = nil
	case CategoryValueSets:
		s.valueSets = nil
		s.mapped = nil
	case CategoryRules:
		s.ruleList = nil
	}
	return nil
}

// Touch re-stamps a category's last-update time without replacing its
// contents, after a signature re-check confirmed the backend content is
// unchanged.
func (s *Store) Touch(c Category) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.metaLocked(c)
	m.LastUpdate = s.now().UnixMilli()
	if err := s.storage.WriteMeta(c, m); err != nil {
		return err
	}
	s.meta[c] = &m
	return nil
}

// ContentHash returns the hex SHA-256 of the last accepted signature bytes
// for the category, or "" when never fetched.
func (s *Store) ContentHash(c Category) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metaLocked(c).ContentHash
}

// Valid reports whether the category holds decodable content.
func (s *Store) Valid(c Category) bool {
	switch c {
	case CategoryKeys:
		return s.Keys() != nil
	case CategoryValueSets:
		return s.ValueSets() != nil
	case CategoryRules:
		return s.Rules() != nil
	default:
		return false
	}
}

// Stale reports whether the category is due for an opportunistic refresh.
func (s *Store) Stale(c Category) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.metaLocked(c)
	if m.LastUpdate == 0 {
		return true
	}
	return s.now().UnixMilli()-m.LastUpdate > s.updateInterval.Milliseconds()
}

// Expired reports whether the trust list as a whole is past its hard max
// age: any category never fetched or older than the max age poisons the
// entire list, even when the individual validity flags still hold.
func (s *Store) Expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	nowMillis := s.now().UnixMilli()
	for _, c := range Categories {
		m := s.metaLocked(c)
		if m.LastUpdate == 0 {
			return true
		}
		if nowMillis-m.LastUpdate > s.maxAge.Milliseconds() {
			return true
		}
	}
	return false
}

// TrustList is an immutable snapshot of the trust material for one
// verification pass.
type TrustList struct {
	Keys      []dccverify.TrustedKey
	ValueSets map[string][]string
	Rules     []rules.Rule
}

// CandidateKeys implements dccverify.KeyProvider.
func (t *TrustList) CandidateKeys(kind dccverify.CertKind) []dccverify.TrustedKey {
	return dccverify.KeySlice(t.Keys).CandidateKeys(kind)
}

// TrustList returns a snapshot of the current trust material, or nil when
// any category is missing, undecodable or the data is past its hard expiry.
func (s *Store) TrustList() *TrustList {
	for _, c := range Categories {
		if !s.Valid(c) {
			return nil
		}
	}
	if s.Expired() {
		return nil
	}
	keys := s.Keys().TrustedKeys()
	return &TrustList{
		Keys:      keys,
		ValueSets: s.MappedValueSets(),
		Rules:     s.Rules(),
	}
}
