package crypto

import (
	"encoding/json"
	"testing"
)

func TestCanonicalJSONSortsKeys(t *testing.T) {
	v := map[string]interface{}{"b": 1, "a": 2, "c": 3}
	got, err := CanonicalJSON(v)
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	want := `{"a":2,"b":1,"c":3}`
	if string(got) != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestCanonicalJSONIdempotent(t *testing.T) {
	v := map[string]interface{}{
		"z": []interface{}{1, 2, 3},
		"a": map[string]interface{}{"nested": true, "count": 5},
	}
	first, err := CanonicalJSON(v)
	if err != nil {
		t.Fatalf("first: %v", err)
	}

	var reparsed interface{}
	if err := json.Unmarshal(first, &reparsed); err != nil {
		t.Fatalf("reparse: %v", err)
	}
	second, err := CanonicalJSON(reparsed)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("not idempotent: %s vs %s", first, second)
	}
}

func TestCanonicalJSONNoWhitespace(t *testing.T) {
	got, _ := CanonicalJSON(map[string]interface{}{"a": 1})
	for _, b := range got {
		if b == ' ' || b == '\n' || b == '\t' {
			t.Fatalf("canonical JSON must contain no insignificant whitespace, got %q", got)
		}
	}
}

func TestCanonicalJSONDistinguishesIntAndFloat(t *testing.T) {
	intEnc, _ := CanonicalJSON(map[string]interface{}{"n": 5})
	floatEnc, _ := CanonicalJSON(map[string]interface{}{"n": 5.5})
	if string(intEnc) == string(floatEnc) {
		t.Fatal("int and float encodings should differ")
	}
}
