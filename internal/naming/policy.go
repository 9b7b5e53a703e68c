package naming

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"smbsink/internal/fs"
)

// ErrInvalidArgument is returned for constructor and bound violations.
var ErrInvalidArgument = errors.New("invalid argument")

const (
	tempDirPrefix         = ".temp-beam"
	nullKeysBucketName    = "null-keys"
	numericBucketTemplate = "%05d-of-%05d"
	metadataFilename      = "metadata.json"

	// Second-granularity prefix applied to temp files so retried bundles
	// writing the same bucket/shard never clobber each other.
	tempfileTimestampLayout = "2006-01-02_15-04-05-"
)

// BucketShardID identifies one output partition of a bucketed write.
type BucketShardID struct {
	BucketID int
	ShardID  int
	NullKey  bool
}

func (id BucketShardID) String() string {
	if id.NullKey {
		return fmt.Sprintf("{null-keys, shard %d}", id.ShardID)
	}
	return fmt.Sprintf("{bucket %d, shard %d}", id.BucketID, id.ShardID)
}

// MetadataProvider supplies the bucket/shard counts of a bucketed output.
type MetadataProvider interface {
	NumBuckets() int
	NumShards() int
}

// FilenamePolicy assigns file names uniquely per BucketShardID. It behaves
// differently for the initial write to temp files and for the final
// destination: temp writes must be idempotent across bundle retries, so
// their names carry a wall-clock timestamp, and the whole temp namespace is
// isolated per run by a random identifier generated at construction.
type FilenamePolicy struct {
	directory      fs.Resource
	filenamePrefix string
	filenameSuffix string
	runID          string
	now            func() time.Time
}

// New builds a policy rooted at the given directory resource.
func New(directory fs.Resource, filenamePrefix, filenameSuffix string) (*FilenamePolicy, error) {
	if !directory.IsDirectory() {
		return nil, fmt.Errorf("%w: %q must be a directory", ErrInvalidArgument, directory.String())
	}
	return &FilenamePolicy{
		directory:      directory,
		filenamePrefix: filenamePrefix,
		filenameSuffix: filenameSuffix,
		runID:          uuid.NewString(),
		now:            time.Now,
	}, nil
}

// SetClock overrides the wall-clock source used for temp file timestamps.
func (p *FilenamePolicy) SetClock(now func() time.Time) {
	p.now = now
}

// RunID returns the per-run identifier. Diagnostics and tests only; naming
// decisions outside this package must not depend on it.
func (p *FilenamePolicy) RunID() string {
	return p.runID
}

// ForDestination returns the assignment for final, post-commit paths.
func (p *FilenamePolicy) ForDestination() *FileAssignment {
	return newFileAssignment(p.directory, p.filenamePrefix, p.filenameSuffix, false, p.now)
}

// ForTempFiles returns the assignment for temp writes, rooted at a
// run-scoped subdirectory of tempRoot.
func (p *FilenamePolicy) ForTempFiles(tempRoot fs.Resource) *FileAssignment {
	tempDirName := fmt.Sprintf("%s-%s", tempDirPrefix, p.runID)
	tempDir := tempRoot.CurrentDirectory().Resolve(tempDirName, fs.KindDirectory)
	return newFileAssignment(tempDir, p.filenamePrefix, p.filenameSuffix, true, p.now)
}

// nameCase is the exhaustive set of filename shapes ForBucket can emit.
type nameCase int

const (
	numberedMultiShard nameCase = iota
	numberedSingleShard
	nullKeyMultiShard
	nullKeySingleShard
)

func caseFor(id BucketShardID, maxNumShards int) nameCase {
	switch {
	case id.NullKey && maxNumShards == 1:
		return nullKeySingleShard
	case id.NullKey:
		return nullKeyMultiShard
	case maxNumShards == 1:
		return numberedSingleShard
	default:
		return numberedMultiShard
	}
}

// FileAssignment names files under one bound directory, optionally
// prepending a timestamp for idempotent temp writes. It holds no mutable
// state and is safe for concurrent use.
type FileAssignment struct {
	directory        fs.Resource
	filenameSuffix   string
	doTimestampFiles bool

	bucketOnlyTemplate  string
	bucketShardTemplate string

	now func() time.Time
}

func newFileAssignment(directory fs.Resource, prefix, suffix string, doTimestampFiles bool, now func() time.Time) *FileAssignment {
	return &FileAssignment{
		directory:           directory,
		filenameSuffix:      suffix,
		doTimestampFiles:    doTimestampFiles,
		bucketOnlyTemplate:  prefix + "-%s%s",
		bucketShardTemplate: prefix + "-%s-shard-%05d-of-%05d%s",
		now:                 now,
	}
}

// ForBucket computes the path for one bucket/shard partition.
func (a *FileAssignment) ForBucket(id BucketShardID, maxNumBuckets, maxNumShards int) (fs.Resource, error) {
	if id.BucketID >= maxNumBuckets {
		return fs.Resource{}, fmt.Errorf("%w: cannot assign a filename for %s: max number of buckets is %d",
			ErrInvalidArgument, id, maxNumBuckets)
	}
	if id.ShardID >= maxNumShards {
		return fs.Resource{}, fmt.Errorf("%w: cannot assign a filename for %s: max number of shards is %d",
			ErrInvalidArgument, id, maxNumShards)
	}

	bucketName := nullKeysBucketName
	if !id.NullKey {
		bucketName = fmt.Sprintf(numericBucketTemplate, id.BucketID, maxNumBuckets)
	}

	var filename string
	switch caseFor(id, maxNumShards) {
	case nullKeySingleShard, nullKeyMultiShard, numberedSingleShard:
		filename = fmt.Sprintf(a.bucketOnlyTemplate, bucketName, a.filenameSuffix)
	case numberedMultiShard:
		filename = fmt.Sprintf(a.bucketShardTemplate, bucketName, id.ShardID, maxNumShards, a.filenameSuffix)
	}

	return a.directory.Resolve(a.timestamp()+filename, fs.KindFile), nil
}

// ForBucketMeta is ForBucket with bounds read from a metadata provider.
func (a *FileAssignment) ForBucketMeta(id BucketShardID, meta MetadataProvider) (fs.Resource, error) {
	return a.ForBucket(id, meta.NumBuckets(), meta.NumShards())
}

// ForMetadata computes the metadata file path under the bound directory.
func (a *FileAssignment) ForMetadata() fs.Resource {
	return a.directory.Resolve(a.timestamp()+metadataFilename, fs.KindFile)
}

// ForNullKeys returns a glob matching every null-key file under the bound
// directory. Null-key files never carry a shard segment, so multiple
// physical files may match.
func (a *FileAssignment) ForNullKeys() fs.Resource {
	glob := fmt.Sprintf(a.bucketOnlyTemplate, nullKeysBucketName+"*", a.filenameSuffix)
	return a.directory.Resolve(glob, fs.KindFile)
}

// Directory returns the bound output directory.
func (a *FileAssignment) Directory() fs.Resource {
	return a.directory
}

// DisplayData describes the assignment for observability tooling.
func (a *FileAssignment) DisplayData() map[string]string {
	return map[string]string{
		"directory":      a.directory.String(),
		"filenameSuffix": a.filenameSuffix,
	}
}

func (a *FileAssignment) timestamp() string {
	if !a.doTimestampFiles {
		return ""
	}
	return a.now().Format(tempfileTimestampLayout)
}

// ForDstMetadata locates the metadata file of an already-finalized output
// directory. Never timestamped.
func ForDstMetadata(directory fs.Resource) fs.Resource {
	return directory.Resolve(metadataFilename, fs.KindFile)
}
