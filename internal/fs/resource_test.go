package fs

import "testing"

func TestParseDirectoryAddsSlash(t *testing.T) {
	r := ParseDirectory("gs://bucket/out")
	if !r.IsDirectory() {
		t.Fatal("expected directory resource")
	}
	if r.String() != "gs://bucket/out/" {
		t.Fatalf("unexpected path: %q", r.String())
	}

	r = ParseDirectory("gs://bucket/out/")
	if r.String() != "gs://bucket/out/" {
		t.Fatalf("expected no double slash, got %q", r.String())
	}
}

func TestResolveFileAndDirectory(t *testing.T) {
	dir := Parse("s3://data/smb/")

	file := dir.Resolve("part-00001.parquet", KindFile)
	if file.IsDirectory() {
		t.Fatal("expected file resource")
	}
	if file.String() != "s3://data/smb/part-00001.parquet" {
		t.Fatalf("unexpected file path: %q", file.String())
	}
	if file.Filename() != "part-00001.parquet" {
		t.Fatalf("unexpected filename: %q", file.Filename())
	}

	sub := dir.Resolve(".tmp", KindDirectory)
	if !sub.IsDirectory() {
		t.Fatal("expected directory resource")
	}
	if sub.String() != "s3://data/smb/.tmp/" {
		t.Fatalf("unexpected dir path: %q", sub.String())
	}
}

func TestCurrentDirectory(t *testing.T) {
	file := Parse("out/data/file.txt")
	if got := file.CurrentDirectory().String(); got != "out/data/" {
		t.Fatalf("unexpected parent: %q", got)
	}

	dir := Parse("out/data/")
	if got := dir.CurrentDirectory().String(); got != "out/data/" {
		t.Fatalf("directory should be its own current directory, got %q", got)
	}

	bare := Parse("file.txt")
	if got := bare.CurrentDirectory().String(); got != "" {
		t.Fatalf("expected empty parent for bare filename, got %q", got)
	}
}

func TestRelativePaths(t *testing.T) {
	dir := ParseDirectory("output")
	file := dir.Resolve("metadata.json", KindFile)
	if file.String() != "output/metadata.json" {
		t.Fatalf("unexpected path: %q", file.String())
	}
}
