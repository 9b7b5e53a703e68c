package fs

import (
	"errors"
	"strings"
)

// ErrNotDirectory is returned when an operation requires a directory resource
var ErrNotDirectory = errors.New("resource is not a directory")

// Kind selects whether Resolve produces a file or a directory resource
type Kind int

const (
	KindFile Kind = iota
	KindDirectory
)

// Resource is a resolvable path handle over object-store URIs (s3://, gs://)
// and plain filesystem paths. It performs no I/O; a resource is a directory
// iff its path ends with a separator.
type Resource struct {
	raw string
}

// Parse wraps a path spec into a Resource. Trailing "/" marks a directory.
func Parse(spec string) Resource {
	return Resource{raw: spec}
}

// ParseDirectory wraps a path spec, appending a trailing "/" if missing.
func ParseDirectory(spec string) Resource {
	if !strings.HasSuffix(spec, "/") {
		spec += "/"
	}
	return Resource{raw: spec}
}

// IsDirectory reports whether the resource denotes a directory.
func (r Resource) IsDirectory() bool {
	return strings.HasSuffix(r.raw, "/")
}

// CurrentDirectory returns the resource itself if it is a directory, or the
// enclosing directory if it is a file.
func (r Resource) CurrentDirectory() Resource {
	if r.IsDirectory() {
		return r
	}
	idx := strings.LastIndex(r.raw, "/")
	if idx < 0 {
		return Resource{raw: ""}
	}
	return Resource{raw: r.raw[:idx+1]}
}

// Resolve derives a child resource under a directory. The receiver must be a
// directory; callers validate that once at construction time (see
// naming.New), so Resolve itself stays a pure string computation.
func (r Resource) Resolve(name string, kind Kind) Resource {
	base := r.CurrentDirectory().raw
	if kind == KindDirectory && !strings.HasSuffix(name, "/") {
		name += "/"
	}
	return Resource{raw: base + name}
}

// Filename returns the last path segment, or "" for a directory.
func (r Resource) Filename() string {
	if r.IsDirectory() {
		return ""
	}
	idx := strings.LastIndex(r.raw, "/")
	return r.raw[idx+1:]
}

func (r Resource) String() string {
	return r.raw
}
