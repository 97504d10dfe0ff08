package trustlist

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgc-dev/dccverify"
)

const (
	testValueSetPayload = `{"valueSets": [{"name": "disease-agent-targeted", "valueSet": {"valueSetId": "disease-agent-targeted", "valueSetDate": "2021-04-27", "valueSetValues": {"840539006": {"display": "COVID-19"}}}}]}`

	testRulesPayload = `[{"identifier": "GR-AT-0001", "type": "Acceptance", "countryCode": "AT", "certificateType": "General", "engine": "CERTLOGIC", "engineVersion": "0.7.5", "version": "1.0.0", "schemaVersion": "1.0.0", "validFrom": "2021-01-01T00:00:00Z", "validTo": "2030-01-01T00:00:00Z", "logic": true}]`
)

// testKeysPayload builds a signer key list with a single freshly generated
// ES256 key.
func testKeysPayload(t *testing.T) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	size := (key.Curve.Params().BitSize + 7) / 8
	x := make([]byte, size)
	y := make([]byte, size)
	key.X.FillBytes(x)
	key.Y.FillBytes(y)
	payload, err := json.Marshal(KeyContainer{Certs: []KeyEntry{{
		Kid: base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4, 5, 6, 7, 8}),
		Alg: "ES256",
		Use: "sig",
		Crv: "P-256",
		X:   base64.StdEncoding.EncodeToString(x),
		Y:   base64.StdEncoding.EncodeToString(y),
	}}})
	if err != nil {
		t.Fatal(err)
	}
	return payload
}

func populatedStore(t *testing.T, now *time.Time) *Store {
	t.Helper()
	store := NewStore(NewMemStorage(), WithClock(func() time.Time { return *now }))
	require.NoError(t, store.Set(CategoryKeys, testKeysPayload(t), "hash-keys"))
	require.NoError(t, store.Set(CategoryValueSets, []byte(testValueSetPayload), "hash-valuesets"))
	require.NoError(t, store.Set(CategoryRules, []byte(testRulesPayload), "hash-rules"))
	return store
}

func TestStoreSetAndRead(t *testing.T) {
	now := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)
	store := populatedStore(t, &now)

	keys := store.Keys()
	require.NotNil(t, keys)
	assert.Len(t, keys.Certs, 1)

	mapped := store.MappedValueSets()
	require.NotNil(t, mapped)
	assert.Contains(t, mapped, "disease-agent-targeted")

	ruleList := store.Rules()
	require.NotNil(t, ruleList)
	assert.Equal(t, "GR-AT-0001", ruleList[0].Identifier)

	list := store.TrustList()
	require.NotNil(t, list)
	assert.Len(t, list.Keys, 1)
	assert.Len(t, list.CandidateKeys(dccverify.KindVaccination), 1)

	assert.Equal(t, "hash-keys", store.ContentHash(CategoryKeys))
}

func TestStoreRejectsCorrupt(t *testing.T) {
	now := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)
	store := populatedStore(t, &now)

	// Stale data is preferred over corrupt data: a payload that fails the
	// decode check must not replace the stored one.
	err := store.Set(CategoryValueSets, []byte(`{`), "hash-new")
	assert.Error(t, err)
	assert.NotNil(t, store.ValueSets())
	assert.Equal(t, "hash-valuesets", store.ContentHash(CategoryValueSets))

	// A key list without keys is as unusable as a malformed one.
	err = store.Set(CategoryKeys, []byte(`{"certs": []}`), "hash-new")
	assert.ErrorContains(t, err, "no keys")
	assert.Len(t, store.Keys().Certs, 1)
}

func TestStoreStaleAndExpired(t *testing.T) {
	now := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)
	store := populatedStore(t, &now)

	for _, c := range Categories {
		assert.False(t, store.Stale(c), c.String())
	}
	assert.False(t, store.Expired())

	now = now.Add(25 * time.Hour)
	assert.True(t, store.Stale(CategoryKeys))
	assert.False(t, store.Expired())
	require.NotNil(t, store.TrustList())

	// Touch restores freshness without replacing the contents.
	require.NoError(t, store.Touch(CategoryKeys))
	assert.False(t, store.Stale(CategoryKeys))
	assert.Equal(t, "hash-keys", store.ContentHash(CategoryKeys))

	// A single category past the hard max age poisons the whole list.
	now = now.Add(73 * time.Hour)
	assert.True(t, store.Expired())
	assert.Nil(t, store.TrustList())
}

func TestStoreNeverFetchedIsExpired(t *testing.T) {
	store := NewStore(NewMemStorage())
	assert.True(t, store.Stale(CategoryKeys))
	assert.True(t, store.Expired())
	assert.Nil(t, store.TrustList())
	assert.Nil(t, store.Keys())
	assert.Nil(t, store.MappedValueSets())
	assert.Nil(t, store.Rules())
}

func TestStoreLoadsFromStorage(t *testing.T) {
	now := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)
	storage := NewMemStorage()

	first := NewStore(storage, WithClock(func() time.Time { return now }))
	require.NoError(t, first.Set(CategoryKeys, testKeysPayload(t), "hash-keys"))
	require.NoError(t, first.Set(CategoryValueSets, []byte(testValueSetPayload), "hash-valuesets"))
	require.NoError(t, first.Set(CategoryRules, []byte(testRulesPayload), "hash-rules"))

	// A second store over the same storage picks up blobs and metadata.
	second := NewStore(storage, WithClock(func() time.Time { return now.Add(time.Minute) }))
	require.NotNil(t, second.TrustList())
	assert.Equal(t, "hash-keys", second.ContentHash(CategoryKeys))
	assert.False(t, second.Stale(CategoryKeys))
}

func TestFileStorage(t *testing.T) {
	dir := t.TempDir()
	storage, err := NewFileStorage(dir)
	require.NoError(t, err)

	// Absent entries read back as nil/zero, not as errors.
	blob, err := storage.ReadBlob(CategoryRules)
	require.NoError(t, err)
	assert.Nil(t, blob)
	meta, err := storage.ReadMeta(CategoryRules)
	require.NoError(t, err)
	assert.Equal(t, Metadata{}, meta)

	require.NoError(t, storage.WriteBlob(CategoryRules, []byte(testRulesPayload)))
	require.NoError(t, storage.WriteMeta(CategoryRules, Metadata{LastUpdate: 42, ContentHash: "abc"}))

	reopened, err := NewFileStorage(dir)
	require.NoError(t, err)
	blob, err = reopened.ReadBlob(CategoryRules)
	require.NoError(t, err)
	assert.Equal(t, []byte(testRulesPayload), blob)
	meta, err = reopened.ReadMeta(CategoryRules)
	require.NoError(t, err)
	assert.Equal(t, Metadata{LastUpdate: 42, ContentHash: "abc"}, meta)
}
