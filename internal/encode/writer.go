package encode

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	goparquet "github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
	"github.com/parquet-go/parquet-go/compress/gzip"
	"github.com/parquet-go/parquet-go/compress/snappy"
	"github.com/parquet-go/parquet-go/compress/zstd"
	"github.com/valyala/fastjson"
	"smbsink/internal/config"
	"smbsink/internal/spill"
)

// Writer encodes spilled records into sorted Parquet bucket files. Rows are
// ordered by the raw key bytes so that a merge reader can stream buckets
// without re-sorting.
type Writer struct {
	config       config.ParquetConfig
	schemaFields []config.SchemaFieldWithName
}

// NewWriter creates a bucket file writer
func NewWriter(cfg config.ParquetConfig) *Writer {
	// Convert schema map to ordered list
	var schemaFields []config.SchemaFieldWithName
	for name, field := range cfg.Schema {
		if name == cfg.KeyColumn {
			continue
		}
		schemaFields = append(schemaFields, config.SchemaFieldWithName{Name: name, Field: field})
	}
	sort.Slice(schemaFields, func(i, j int) bool {
		return schemaFields[i].Name < schemaFields[j].Name
	})

	return &Writer{
		config:       cfg,
		schemaFields: schemaFields,
	}
}

// columnInfo holds precomputed column information for fast access
type columnInfo struct {
	name      string
	fieldType string
	isKey     bool
}

// EncodeBucketFile sorts records by key and writes them as one parquet file.
// Returns the number of rows written.
func (w *Writer) EncodeBucketFile(out io.Writer, records []spill.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	// Order by raw key bytes. Null-key records sort first; within a
	// null-keys file every record is keyless so the order is stable input
	// order.
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.NullKey != b.NullKey {
			return a.NullKey
		}
		return bytes.Compare(a.Key, b.Key) < 0
	})

	columns := make([]columnInfo, 0, len(w.schemaFields)+1)
	columns = append(columns, columnInfo{name: w.config.KeyColumn, fieldType: "utf8", isKey: true})
	for _, sf := range w.schemaFields {
		columns = append(columns, columnInfo{name: sf.Name, fieldType: sf.Field.Type})
	}
	sort.Slice(columns, func(i, j int) bool {
		return columns[i].name < columns[j].name
	})

	return w.writeParquet(out, records, columns)
}

func (w *Writer) writeParquet(out io.Writer, records []spill.Record, columns []columnInfo) (int, error) {
	group := make(goparquet.Group)
	for _, col := range columns {
		group[col.name] = w.createNode(col.fieldType)
	}
	schema := goparquet.NewSchema("record", group)

	// Map back to our column info in the order parquet-go lays columns out
	colInfoMap := make(map[string]columnInfo, len(columns))
	for _, col := range columns {
		colInfoMap[col.name] = col
	}
	schemaColumnOrder := make([]columnInfo, 0, len(columns))
	for _, path := range schema.Columns() {
		if len(path) == 0 {
			continue
		}
		col, ok := colInfoMap[path[0]]
		if !ok {
			return 0, fmt.Errorf("schema produced unknown column %q", path[0])
		}
		schemaColumnOrder = append(schemaColumnOrder, col)
	}
	if len(schemaColumnOrder) != len(columns) {
		return 0, fmt.Errorf("column count mismatch: schema=%d, configured=%d", len(schemaColumnOrder), len(columns))
	}

	writerOptions := []goparquet.WriterOption{
		schema,
		goparquet.Compression(w.getCompressionCodec()),
		// Page statistics cost metadata space and the bucket reader streams
		// whole files anyway
		goparquet.DataPageStatistics(false),
		goparquet.DefaultEncoding(&goparquet.RLEDictionary),
	}
	if w.config.MaxRowsPerRowGroup > 0 {
		writerOptions = append(writerOptions, goparquet.MaxRowsPerRowGroup(int64(w.config.MaxRowsPerRowGroup)))
	}
	if w.config.PageBufferBytes > 0 {
		writerOptions = append(writerOptions, goparquet.PageBufferSize(w.config.PageBufferBytes))
	}

	pw := goparquet.NewWriter(out, writerOptions...)

	var parser fastjson.Parser
	rowsWritten := 0
	const rowChunkSize = 2048
	for start := 0; start < len(records); start += rowChunkSize {
		end := start + rowChunkSize
		if end > len(records) {
			end = len(records)
		}

		parquetRows := make([]goparquet.Row, 0, end-start)
		for _, rec := range records[start:end] {
			v, err := parser.ParseBytes(rec.Value)
			if err != nil {
				pw.Close()
				return rowsWritten, fmt.Errorf("failed to parse record: %w", err)
			}

			parquetRow := make([]goparquet.Value, len(schemaColumnOrder))
			for idx, col := range schemaColumnOrder {
				if col.isKey {
					if rec.NullKey {
						parquetRow[idx] = goparquet.NullValue()
					} else {
						parquetRow[idx] = goparquet.ValueOf(string(rec.Key)).Level(0, 1, idx)
					}
					continue
				}
				var val interface{}
				if fv := v.Get(col.name); fv != nil {
					val = w.valueFromFastjson(fv, col.fieldType)
				}
				parquetRow[idx] = w.toParquetValue(val, col.fieldType, idx)
			}
			parquetRows = append(parquetRows, parquetRow)
		}

		if _, err := pw.WriteRows(parquetRows); err != nil {
			pw.Close()
			return rowsWritten, fmt.Errorf("failed to write rows: %w", err)
		}
		rowsWritten += len(parquetRows)
	}

	if err := pw.Close(); err != nil {
		return rowsWritten, fmt.Errorf("failed to close parquet writer: %w", err)
	}

	return rowsWritten, nil
}

func (w *Writer) valueFromFastjson(val *fastjson.Value, fieldType string) interface{} {
	switch fieldType {
	case "utf8", "string", "json":
		switch val.Type() {
		case fastjson.TypeString:
			return string(val.GetStringBytes())
		case fastjson.TypeNull:
			return nil
		default:
			return string(val.MarshalTo(nil))
		}
	case "int64":
		if val.Type() == fastjson.TypeNumber {
			if v, err := val.Int64(); err == nil {
				return v
			}
			if v, err := val.Float64(); err == nil {
				return int64(v)
			}
		}
		return nil
	case "int32":
		if val.Type() == fastjson.TypeNumber {
			if v, err := val.Int64(); err == nil {
				return int32(v)
			}
		}
		return nil
	case "float64", "double":
		if val.Type() == fastjson.TypeNumber {
			if v, err := val.Float64(); err == nil {
				return v
			}
		}
		return nil
	case "float32", "float":
		if val.Type() == fastjson.TypeNumber {
			if v, err := val.Float64(); err == nil {
				return float32(v)
			}
		}
		return nil
	case "bool", "boolean":
		if val.Type() == fastjson.TypeTrue {
			return true
		}
		if val.Type() == fastjson.TypeFalse {
			return false
		}
		return nil
	case "timestamp_ms":
		switch val.Type() {
		case fastjson.TypeNumber:
			if v, err := val.Int64(); err == nil {
				return v
			}
		case fastjson.TypeString:
			if t := parseTimestampString(string(val.GetStringBytes())); t != nil {
				return t.UnixMilli()
			}
		}
		return nil
	case "timestamp_us":
		switch val.Type() {
		case fastjson.TypeNumber:
			if v, err := val.Int64(); err == nil {
				return v
			}
		case fastjson.TypeString:
			if t := parseTimestampString(string(val.GetStringBytes())); t != nil {
				return t.UnixMicro()
			}
		}
		return nil
	default:
		return nil
	}
}

// toParquetValue converts a Go value to a parquet value.
// String columns use an Optional schema, so non-null values need
// Level(0, 1, columnIndex) set.
func (w *Writer) toParquetValue(val interface{}, fieldType string, columnIndex int) goparquet.Value {
	switch fieldType {
	case "utf8", "string", "json":
		if val == nil {
			return goparquet.NullValue()
		}
		switch v := val.(type) {
		case string:
			if v == "" {
				return goparquet.NullValue()
			}
			return goparquet.ValueOf(v).Level(0, 1, columnIndex)
		default:
			b, _ := json.Marshal(val)
			s := string(b)
			if s == "" || s == "null" {
				return goparquet.NullValue()
			}
			return goparquet.ValueOf(s).Level(0, 1, columnIndex)
		}

	case "int64", "timestamp_ms", "timestamp_us":
		if val == nil {
			return goparquet.ValueOf(int64(0))
		}
		switch v := val.(type) {
		case int64:
			return goparquet.ValueOf(v)
		case int:
			return goparquet.ValueOf(int64(v))
		case float64:
			return goparquet.ValueOf(int64(v))
		}
		return goparquet.ValueOf(int64(0))

	case "int32":
		if val == nil {
			return goparquet.ValueOf(int32(0))
		}
		switch v := val.(type) {
		case int32:
			return goparquet.ValueOf(v)
		case int64:
			return goparquet.ValueOf(int32(v))
		}
		return goparquet.ValueOf(int32(0))

	case "float64", "double":
		if val == nil {
			return goparquet.ValueOf(float64(0))
		}
		switch v := val.(type) {
		case float64:
			return goparquet.ValueOf(v)
		case int64:
			return goparquet.ValueOf(float64(v))
		}
		return goparquet.ValueOf(float64(0))

	case "float32", "float":
		if val == nil {
			return goparquet.ValueOf(float32(0))
		}
		switch v := val.(type) {
		case float32:
			return goparquet.ValueOf(v)
		case float64:
			return goparquet.ValueOf(float32(v))
		}
		return goparquet.ValueOf(float32(0))

	case "bool", "boolean":
		if val == nil {
			return goparquet.ValueOf(false)
		}
		if b, ok := val.(bool); ok {
			return goparquet.ValueOf(b)
		}
		return goparquet.ValueOf(false)

	default:
		if val == nil {
			return goparquet.ValueOf("")
		}
		if s, ok := val.(string); ok {
			return goparquet.ValueOf(s)
		}
		return goparquet.ValueOf("")
	}
}

func parseTimestampString(v string) *time.Time {
	formats := []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, format := range formats {
		if t, err := time.Parse(format, v); err == nil {
			return &t
		}
	}
	return nil
}

// getCompressionCodec returns the configured compression codec
func (w *Writer) getCompressionCodec() compress.Codec {
	compression := strings.ToLower(w.config.Compression)
	level := w.config.CompressionLevel
	if level == 0 {
		level = 5
	}

	switch compression {
	case "zstd":
		var zstdLevel zstd.Level
		switch {
		case level <= 1:
			zstdLevel = zstd.SpeedFastest
		case level <= 3:
			zstdLevel = zstd.SpeedDefault
		case level <= 6:
			zstdLevel = zstd.SpeedBetterCompression
		default:
			zstdLevel = zstd.SpeedBestCompression
		}
		return &zstd.Codec{Level: zstdLevel}
	case "gzip":
		return &gzip.Codec{Level: level}
	case "snappy":
		return &snappy.Codec{}
	case "uncompressed", "none", "":
		return nil
	default:
		return &zstd.Codec{Level: zstd.SpeedDefault}
	}
}

// createNode creates a parquet node for a column type.
// String columns are Optional so the key column of a null-keys file can hold
// NULL.
func (w *Writer) createNode(fieldType string) goparquet.Node {
	switch fieldType {
	case "utf8", "string", "json":
		return goparquet.Optional(goparquet.String())
	case "int64":
		return goparquet.Int(64)
	case "int32":
		return goparquet.Int(32)
	case "float64", "double":
		return goparquet.Leaf(goparquet.DoubleType)
	case "float32", "float":
		return goparquet.Leaf(goparquet.FloatType)
	case "bool", "boolean":
		return goparquet.Leaf(goparquet.BooleanType)
	case "timestamp_ms":
		return goparquet.Timestamp(goparquet.Millisecond)
	case "timestamp_us":
		return goparquet.Timestamp(goparquet.Microsecond)
	default:
		return goparquet.Optional(goparquet.String())
	}
}
