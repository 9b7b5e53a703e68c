package metadata

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spaolacci/murmur3"
)

// CurrentVersion is written into new metadata files.
const CurrentVersion = 1

// HashTypeMurmur3_32 is the only supported key hash.
const HashTypeMurmur3_32 = "murmur3_32"

// ErrInvalidMetadata is returned for malformed or unsupported metadata.
var ErrInvalidMetadata = errors.New("invalid bucket metadata")

// BucketMetadata describes one bucketed output: how many buckets and shards
// it has, which record field keys it, and how keys hash to buckets. A copy
// is persisted as metadata.json next to the bucket files so readers can
// merge-join them without re-deriving the layout.
type BucketMetadata struct {
	version    int
	numBuckets int
	numShards  int
	keyField   string
	hashType   string
}

// New validates and builds metadata. numBuckets must be a power of two so
// bucket assignment can mask instead of mod; numShards must be positive.
func New(numBuckets, numShards int, keyField string) (*BucketMetadata, error) {
	if numBuckets <= 0 || numBuckets&(numBuckets-1) != 0 {
		return nil, fmt.Errorf("%w: numBuckets %d must be a positive power of 2", ErrInvalidMetadata, numBuckets)
	}
	if numShards <= 0 {
		return nil, fmt.Errorf("%w: numShards %d must be positive", ErrInvalidMetadata, numShards)
	}
	if keyField == "" {
		return nil, fmt.Errorf("%w: keyField must be set", ErrInvalidMetadata)
	}
	return &BucketMetadata{
		version:    CurrentVersion,
		numBuckets: numBuckets,
		numShards:  numShards,
		keyField:   keyField,
		hashType:   HashTypeMurmur3_32,
	}, nil
}

func (m *BucketMetadata) Version() int     { return m.version }
func (m *BucketMetadata) NumBuckets() int  { return m.numBuckets }
func (m *BucketMetadata) NumShards() int   { return m.numShards }
func (m *BucketMetadata) KeyField() string { return m.keyField }
func (m *BucketMetadata) HashType() string { return m.hashType }

// BucketFor assigns a key to a bucket.
func (m *BucketMetadata) BucketFor(key []byte) int {
	return int(murmur3.Sum32(key)) & (m.numBuckets - 1)
}

type metadataJSON struct {
	Version    int    `json:"version"`
	NumBuckets int    `json:"numBuckets"`
	NumShards  int    `json:"numShards"`
	KeyField   string `json:"keyField"`
	HashType   string `json:"hashType"`
}

// Marshal serializes the metadata as the metadata.json payload.
func (m *BucketMetadata) Marshal() ([]byte, error) {
	return json.MarshalIndent(metadataJSON{
		Version:    m.version,
		NumBuckets: m.numBuckets,
		NumShards:  m.numShards,
		KeyField:   m.keyField,
		HashType:   m.hashType,
	}, "", "  ")
}

// Unmarshal parses and validates a metadata.json payload.
func Unmarshal(data []byte) (*BucketMetadata, error) {
	var raw metadataJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	if raw.Version != CurrentVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidMetadata, raw.Version)
	}
	if raw.HashType != HashTypeMurmur3_32 {
		return nil, fmt.Errorf("%w: unsupported hash type %q", ErrInvalidMetadata, raw.HashType)
	}
	m, err := New(raw.NumBuckets, raw.NumShards, raw.KeyField)
	if err != nil {
		return nil, err
	}
	return m, nil
}
