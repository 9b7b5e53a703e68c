package encode

import (
	"bytes"
	"io"
	"strings"
	"testing"

	goparquet "github.com/parquet-go/parquet-go"
	"smbsink/internal/config"
	"smbsink/internal/spill"
)

func testParquetConfig() config.ParquetConfig {
	return config.ParquetConfig{
		Compression:      "zstd",
		CompressionLevel: 5,
		KeyColumn:        "_key",
		Schema: map[string]config.SchemaField{
			"event":     {Type: "utf8"},
			"count":     {Type: "int64"},
			"score":     {Type: "float64"},
			"active":    {Type: "bool"},
			"timestamp": {Type: "timestamp_ms"},
		},
	}
}

func TestEncodeBucketFileSortsByKey(t *testing.T) {
	writer := NewWriter(testParquetConfig())

	records := []spill.Record{
		{Key: []byte("charlie"), Value: []byte(`{"event":"c","count":3}`)},
		{Key: []byte("alice"), Value: []byte(`{"event":"a","count":1}`)},
		{Key: []byte("bob"), Value: []byte(`{"event":"b","count":2}`)},
	}

	var buf bytes.Buffer
	n, err := writer.EncodeBucketFile(&buf, records)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 rows written, got %d", n)
	}

	rows, _ := readParquetRows(t, buf.Bytes())
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}

	var keys []string
	for _, row := range rows {
		keys = append(keys, string(row["_key"].ByteArray()))
	}
	want := []string{"alice", "bob", "charlie"}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("rows not ordered by key: got %v, want %v", keys, want)
		}
	}
}

func TestEncodeBucketFileNullKeys(t *testing.T) {
	writer := NewWriter(testParquetConfig())

	records := []spill.Record{
		{NullKey: true, Value: []byte(`{"event":"first","count":1}`)},
		{NullKey: true, Value: []byte(`{"event":"second","count":2}`)},
	}

	var buf bytes.Buffer
	if _, err := writer.EncodeBucketFile(&buf, records); err != nil {
		t.Fatalf("encode: %v", err)
	}

	rows, _ := readParquetRows(t, buf.Bytes())
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	for i, row := range rows {
		if !row["_key"].IsNull() {
			t.Fatalf("row %d: expected null key column, got %v", i, row["_key"])
		}
	}
	// Keyless records keep input order
	if string(rows[0]["event"].ByteArray()) != "first" || string(rows[1]["event"].ByteArray()) != "second" {
		t.Fatal("null-key records must keep input order")
	}
}

func TestEncodeBucketFileValueTypes(t *testing.T) {
	writer := NewWriter(testParquetConfig())

	records := []spill.Record{
		{Key: []byte("k1"), Value: []byte(`{"event":"pageview","count":42,"score":9.5,"active":true,"timestamp":1704067200000}`)},
		{Key: []byte("k2"), Value: []byte(`{"event":null,"count":7}`)},
	}

	var buf bytes.Buffer
	if _, err := writer.EncodeBucketFile(&buf, records); err != nil {
		t.Fatalf("encode: %v", err)
	}

	rows, columns := readParquetRows(t, buf.Bytes())
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	for _, col := range []string{"_key", "event", "count", "score", "active", "timestamp"} {
		if !columns[col] {
			t.Fatalf("missing column %q, got: %v", col, columns)
		}
	}

	row0 := rows[0]
	if got := string(row0["event"].ByteArray()); got != "pageview" {
		t.Fatalf("event: expected pageview, got %q", got)
	}
	if got := int64(row0["count"].Uint64()); got != 42 {
		t.Fatalf("count: expected 42, got %d", got)
	}
	if got := row0["score"].Double(); got < 9.499 || got > 9.501 {
		t.Fatalf("score: expected 9.5, got %v", got)
	}
	if !row0["active"].Boolean() {
		t.Fatal("active: expected true")
	}
	if got := int64(row0["timestamp"].Uint64()); got != 1704067200000 {
		t.Fatalf("timestamp: expected 1704067200000, got %d", got)
	}

	row1 := rows[1]
	if !row1["event"].IsNull() {
		t.Fatalf("expected null event, got %v", row1["event"])
	}
	if got := int64(row1["count"].Uint64()); got != 7 {
		t.Fatalf("count: expected 7, got %d", got)
	}
}

func TestEncodeBucketFileTimestampString(t *testing.T) {
	writer := NewWriter(testParquetConfig())

	records := []spill.Record{
		{Key: []byte("k"), Value: []byte(`{"event":"e","timestamp":"2024-01-01T00:00:00Z"}`)},
	}

	var buf bytes.Buffer
	if _, err := writer.EncodeBucketFile(&buf, records); err != nil {
		t.Fatalf("encode: %v", err)
	}

	rows, _ := readParquetRows(t, buf.Bytes())
	if got := int64(rows[0]["timestamp"].Uint64()); got != 1704067200000 {
		t.Fatalf("timestamp: expected 1704067200000, got %d", got)
	}
}

func TestEncodeBucketFileEmpty(t *testing.T) {
	writer := NewWriter(testParquetConfig())

	var buf bytes.Buffer
	n, err := writer.EncodeBucketFile(&buf, nil)
	if err != nil {
		t.Fatalf("encode empty: %v", err)
	}
	if n != 0 || buf.Len() != 0 {
		t.Fatalf("expected no output for no records, rows=%d bytes=%d", n, buf.Len())
	}
}

func TestEncodeBucketFileInvalidJSON(t *testing.T) {
	writer := NewWriter(testParquetConfig())

	records := []spill.Record{
		{Key: []byte("k"), Value: []byte(`not json`)},
	}

	var buf bytes.Buffer
	if _, err := writer.EncodeBucketFile(&buf, records); err == nil {
		t.Fatal("expected error for invalid JSON record")
	}
}

func readParquetRows(t *testing.T, data []byte) ([]map[string]goparquet.Value, map[string]bool) {
	t.Helper()

	reader := goparquet.NewReader(bytes.NewReader(data))
	defer reader.Close()

	schema := reader.Schema()
	columnPaths := schema.Columns()
	columnNames := make([]string, len(columnPaths))
	columnSet := make(map[string]bool, len(columnPaths))
	for i, path := range columnPaths {
		name := strings.Join(path, ".")
		columnNames[i] = name
		columnSet[name] = true
	}

	var rows []map[string]goparquet.Value
	buf := make([]goparquet.Row, 64)
	for {
		n, err := reader.ReadRows(buf)
		for i := 0; i < n; i++ {
			row := make(map[string]goparquet.Value, len(columnNames))
			for colIdx, name := range columnNames {
				row[name] = buf[i][colIdx]
			}
			rows = append(rows, row)
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			t.Fatalf("failed to read parquet rows: %v", err)
		}
	}

	return rows, columnSet
}
