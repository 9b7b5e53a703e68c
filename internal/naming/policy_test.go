package naming

import (
	"errors"
	"path"
	"strings"
	"testing"
	"time"

	"smbsink/internal/fs"
)

type staticMeta struct {
	buckets int
	shards  int
}

func (m staticMeta) NumBuckets() int { return m.buckets }
func (m staticMeta) NumShards() int  { return m.shards }

func fixedClock() func() time.Time {
	ts := time.Date(2024, 3, 7, 11, 22, 33, 0, time.UTC)
	return func() time.Time { return ts }
}

func newTestPolicy(t *testing.T, dir, prefix, suffix string) *FilenamePolicy {
	t.Helper()
	p, err := New(fs.Parse(dir), prefix, suffix)
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	p.SetClock(fixedClock())
	return p
}

func TestNewRejectsNonDirectory(t *testing.T) {
	_, err := New(fs.Parse("gs://bucket/out/file.txt"), "data", ".avro")
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestRunIDStable(t *testing.T) {
	p := newTestPolicy(t, "out/", "data", ".parquet")
	if p.RunID() == "" {
		t.Fatal("expected non-empty run id")
	}
	if p.RunID() != p.RunID() {
		t.Fatal("run id must be stable for the policy lifetime")
	}

	q := newTestPolicy(t, "out/", "data", ".parquet")
	if p.RunID() == q.RunID() {
		t.Fatal("distinct policies must have distinct run ids")
	}
}

func TestNumericBucketLabelPadding(t *testing.T) {
	p := newTestPolicy(t, "out/", "data", ".avro")
	dst := p.ForDestination()

	r, err := dst.ForBucket(BucketShardID{BucketID: 3}, 128, 1)
	if err != nil {
		t.Fatalf("for bucket: %v", err)
	}
	if r.String() != "out/data-00003-of-00128.avro" {
		t.Fatalf("unexpected path: %q", r.String())
	}
}

func TestNullKeyBucketLabel(t *testing.T) {
	p := newTestPolicy(t, "out/", "data", ".avro")
	dst := p.ForDestination()

	// Label is the sentinel regardless of the numeric bucket id, and the
	// shard segment is suppressed even with multiple shards.
	r, err := dst.ForBucket(BucketShardID{BucketID: 7, ShardID: 2, NullKey: true}, 16, 4)
	if err != nil {
		t.Fatalf("for bucket: %v", err)
	}
	if r.String() != "out/data-null-keys.avro" {
		t.Fatalf("unexpected path: %q", r.String())
	}
}

func TestSingleShardOmitsShardSegment(t *testing.T) {
	p := newTestPolicy(t, "out/", "data", ".avro")
	dst := p.ForDestination()

	r, err := dst.ForBucket(BucketShardID{BucketID: 0, ShardID: 0}, 2, 1)
	if err != nil {
		t.Fatalf("for bucket: %v", err)
	}
	if strings.Contains(r.String(), "shard") {
		t.Fatalf("single-shard name must not carry a shard segment: %q", r.String())
	}
}

func TestMultiShardIncludesShardSegment(t *testing.T) {
	p := newTestPolicy(t, "gs://bucket/out/", "data", ".avro")
	dst := p.ForDestination()

	r, err := dst.ForBucket(BucketShardID{BucketID: 2, ShardID: 1}, 10, 4)
	if err != nil {
		t.Fatalf("for bucket: %v", err)
	}
	want := "gs://bucket/out/data-00002-of-00010-shard-00001-of-00004.avro"
	if r.String() != want {
		t.Fatalf("got %q, want %q", r.String(), want)
	}
}

func TestForBucketBoundsChecks(t *testing.T) {
	p := newTestPolicy(t, "out/", "data", ".avro")
	dst := p.ForDestination()

	_, err := dst.ForBucket(BucketShardID{BucketID: 10}, 10, 4)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected bucket bound violation, got %v", err)
	}
	if !strings.Contains(err.Error(), "bucket 10") || !strings.Contains(err.Error(), "10") {
		t.Fatalf("error should name the id and the bound: %v", err)
	}

	_, err = dst.ForBucket(BucketShardID{BucketID: 0, ShardID: 4}, 10, 4)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected shard bound violation, got %v", err)
	}
	if !strings.Contains(err.Error(), "shards is 4") {
		t.Fatalf("error should name the shard bound: %v", err)
	}
}

func TestForBucketMeta(t *testing.T) {
	p := newTestPolicy(t, "out/", "data", ".avro")
	dst := p.ForDestination()

	r, err := dst.ForBucketMeta(BucketShardID{BucketID: 2, ShardID: 1}, staticMeta{buckets: 10, shards: 4})
	if err != nil {
		t.Fatalf("for bucket meta: %v", err)
	}
	if r.String() != "out/data-00002-of-00010-shard-00001-of-00004.avro" {
		t.Fatalf("unexpected path: %q", r.String())
	}

	if _, err := dst.ForBucketMeta(BucketShardID{BucketID: 12}, staticMeta{buckets: 10, shards: 4}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected bound violation via metadata, got %v", err)
	}
}

func TestTempAssignmentDirectoryAndTimestamp(t *testing.T) {
	p := newTestPolicy(t, "gs://bucket/out/", "data", ".avro")
	tmp := p.ForTempFiles(fs.Parse("gs://tmp/"))

	wantDir := "gs://tmp/.temp-beam-" + p.RunID() + "/"
	if tmp.Directory().String() != wantDir {
		t.Fatalf("temp directory %q, want %q", tmp.Directory().String(), wantDir)
	}

	r, err := tmp.ForBucket(BucketShardID{BucketID: 2, ShardID: 1}, 10, 4)
	if err != nil {
		t.Fatalf("for bucket: %v", err)
	}
	want := wantDir + "2024-03-07_11-22-33-data-00002-of-00010-shard-00001-of-00004.avro"
	if r.String() != want {
		t.Fatalf("got %q, want %q", r.String(), want)
	}
}

func TestTempAndFinalDifferOnlyInRootAndTimestamp(t *testing.T) {
	p := newTestPolicy(t, "out/", "data", ".avro")
	dst := p.ForDestination()
	tmp := p.ForTempFiles(fs.Parse("tmp/"))

	id := BucketShardID{BucketID: 1, ShardID: 3}
	final, err := dst.ForBucket(id, 4, 8)
	if err != nil {
		t.Fatalf("final: %v", err)
	}
	temp, err := tmp.ForBucket(id, 4, 8)
	if err != nil {
		t.Fatalf("temp: %v", err)
	}

	finalName := final.Filename()
	tempName := temp.Filename()
	if !strings.HasSuffix(tempName, finalName) {
		t.Fatalf("temp name %q should end with final name %q", tempName, finalName)
	}
	prefix := strings.TrimSuffix(tempName, finalName)
	if prefix != "2024-03-07_11-22-33-" {
		t.Fatalf("unexpected timestamp prefix: %q", prefix)
	}
}

func TestForMetadata(t *testing.T) {
	p := newTestPolicy(t, "out/", "data", ".avro")

	if got := p.ForDestination().ForMetadata().String(); got != "out/metadata.json" {
		t.Fatalf("unexpected metadata path: %q", got)
	}

	tmp := p.ForTempFiles(fs.Parse("tmp/"))
	want := tmp.Directory().String() + "2024-03-07_11-22-33-metadata.json"
	if got := tmp.ForMetadata().String(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestForDstMetadataNeverTimestamped(t *testing.T) {
	// Static helper: timestamp-free even when resolving against the temp
	// directory of a timestamping policy.
	p := newTestPolicy(t, "out/", "data", ".avro")
	tmp := p.ForTempFiles(fs.Parse("tmp/"))

	r := ForDstMetadata(tmp.Directory())
	if r.Filename() != "metadata.json" {
		t.Fatalf("unexpected filename: %q", r.Filename())
	}
}

func TestNullKeysGlobMatchesAllNullKeyOutputs(t *testing.T) {
	p := newTestPolicy(t, "out/", "data", ".avro")
	dst := p.ForDestination()
	glob := dst.ForNullKeys().Filename()

	for _, shards := range []int{1, 2, 16} {
		for shard := 0; shard < shards; shard++ {
			r, err := dst.ForBucket(BucketShardID{ShardID: shard, NullKey: true}, 1, shards)
			if err != nil {
				t.Fatalf("for bucket: %v", err)
			}
			ok, err := path.Match(glob, r.Filename())
			if err != nil {
				t.Fatalf("bad glob %q: %v", glob, err)
			}
			if !ok {
				t.Fatalf("glob %q should match %q", glob, r.Filename())
			}
		}
	}
}

func TestNoCollisionsAcrossBucketShardPairs(t *testing.T) {
	p := newTestPolicy(t, "out/", "data", ".parquet")
	dst := p.ForDestination()

	seen := make(map[string]BucketShardID)
	for bucket := 0; bucket < 8; bucket++ {
		for shard := 0; shard < 4; shard++ {
			id := BucketShardID{BucketID: bucket, ShardID: shard}
			r, err := dst.ForBucket(id, 8, 4)
			if err != nil {
				t.Fatalf("for bucket %v: %v", id, err)
			}
			if prev, dup := seen[r.String()]; dup {
				t.Fatalf("path %q assigned to both %v and %v", r.String(), prev, id)
			}
			seen[r.String()] = id
		}
	}
}

func TestDeterministicUnderFixedClock(t *testing.T) {
	p := newTestPolicy(t, "out/", "data", ".avro")
	tmp := p.ForTempFiles(fs.Parse("tmp/"))

	id := BucketShardID{BucketID: 1, ShardID: 1}
	a, _ := tmp.ForBucket(id, 4, 2)
	b, _ := tmp.ForBucket(id, 4, 2)
	if a.String() != b.String() {
		t.Fatalf("same inputs and clock must yield the same path: %q vs %q", a.String(), b.String())
	}
}

func TestDisplayData(t *testing.T) {
	p := newTestPolicy(t, "out/", "data", ".avro")
	dd := p.ForDestination().DisplayData()
	if dd["directory"] != "out/" || dd["filenameSuffix"] != ".avro" {
		t.Fatalf("unexpected display data: %v", dd)
	}
}
