package keys

import "testing"

func TestExtractorStringKey(t *testing.T) {
	e := NewExtractor("user_id")

	key, ok := e.Key([]byte(`{"user_id":"alice","event":"click"}`))
	if !ok {
		t.Fatal("expected key to be present")
	}
	if string(key) != "alice" {
		t.Fatalf("unexpected key: %q", key)
	}
}

func TestExtractorNumericKey(t *testing.T) {
	e := NewExtractor("team_id")

	key, ok := e.Key([]byte(`{"team_id":123}`))
	if !ok {
		t.Fatal("expected key to be present")
	}
	if string(key) != "123" {
		t.Fatalf("unexpected key: %q", key)
	}
}

func TestExtractorNestedKey(t *testing.T) {
	e := NewExtractor("user.id")

	key, ok := e.Key([]byte(`{"user":{"id":"u-7"}}`))
	if !ok {
		t.Fatal("expected key to be present")
	}
	if string(key) != "u-7" {
		t.Fatalf("unexpected key: %q", key)
	}
}

func TestExtractorMissingAndNullKeys(t *testing.T) {
	e := NewExtractor("user_id")

	if _, ok := e.Key([]byte(`{"event":"click"}`)); ok {
		t.Fatal("missing field must map to the null-key bucket")
	}
	if _, ok := e.Key([]byte(`{"user_id":null}`)); ok {
		t.Fatal("JSON null must map to the null-key bucket")
	}
}
