package metadata

import (
	"errors"
	"testing"
)

func TestNewValidation(t *testing.T) {
	if _, err := New(3, 1, "user_id"); !errors.Is(err, ErrInvalidMetadata) {
		t.Fatalf("expected non-power-of-two rejection, got %v", err)
	}
	if _, err := New(0, 1, "user_id"); !errors.Is(err, ErrInvalidMetadata) {
		t.Fatalf("expected zero buckets rejection, got %v", err)
	}
	if _, err := New(8, 0, "user_id"); !errors.Is(err, ErrInvalidMetadata) {
		t.Fatalf("expected zero shards rejection, got %v", err)
	}
	if _, err := New(8, 1, ""); !errors.Is(err, ErrInvalidMetadata) {
		t.Fatalf("expected empty key field rejection, got %v", err)
	}

	m, err := New(128, 4, "user_id")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if m.NumBuckets() != 128 || m.NumShards() != 4 || m.KeyField() != "user_id" {
		t.Fatalf("unexpected metadata: %+v", m)
	}
	if m.HashType() != HashTypeMurmur3_32 {
		t.Fatalf("unexpected hash type: %s", m.HashType())
	}
}

func TestBucketForDeterministicAndInRange(t *testing.T) {
	m, err := New(16, 2, "user_id")
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	keys := [][]byte{[]byte("alice"), []byte("bob"), []byte(""), []byte("a very long key with spaces")}
	for _, key := range keys {
		b := m.BucketFor(key)
		if b < 0 || b >= 16 {
			t.Fatalf("bucket %d out of range for key %q", b, key)
		}
		if b != m.BucketFor(key) {
			t.Fatalf("bucket assignment must be deterministic for key %q", key)
		}
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	m, err := New(64, 8, "event.user_id")
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	data, err := m.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.NumBuckets() != 64 || got.NumShards() != 8 || got.KeyField() != "event.user_id" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestUnmarshalRejectsBadPayloads(t *testing.T) {
	if _, err := Unmarshal([]byte("{")); !errors.Is(err, ErrInvalidMetadata) {
		t.Fatalf("expected parse error, got %v", err)
	}
	if _, err := Unmarshal([]byte(`{"version":99,"numBuckets":8,"numShards":1,"keyField":"k","hashType":"murmur3_32"}`)); !errors.Is(err, ErrInvalidMetadata) {
		t.Fatalf("expected version rejection, got %v", err)
	}
	if _, err := Unmarshal([]byte(`{"version":1,"numBuckets":8,"numShards":1,"keyField":"k","hashType":"crc32"}`)); !errors.Is(err, ErrInvalidMetadata) {
		t.Fatalf("expected hash type rejection, got %v", err)
	}
}
