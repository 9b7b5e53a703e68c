package keys

import (
	"github.com/tidwall/gjson"
)

// Extractor pulls the bucketing key out of JSON records.
// The field is a gjson path, so nested keys like "user.id" work.
type Extractor struct {
	field string
}

// NewExtractor creates an extractor for the given key field path.
func NewExtractor(field string) *Extractor {
	return &Extractor{field: field}
}

// Field returns the configured key field path.
func (e *Extractor) Field() string {
	return e.field
}

// Key extracts the key bytes from a JSON record. ok is false when the field
// is absent or JSON null; such records belong to the null-key bucket.
func (e *Extractor) Key(jsonData []byte) (key []byte, ok bool) {
	result := gjson.GetBytes(jsonData, e.field)
	if !result.Exists() || result.Type == gjson.Null {
		return nil, false
	}
	return []byte(result.String()), true
}
