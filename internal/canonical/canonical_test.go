package canonical_test

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/trustfabric/trustcore/internal/canonical"
)

// vector is one entry of the shared cross-implementation fixture file. The
// same file drives the parity checks of every verifier implementation, so the
// expectations here are byte-exact.
type vector struct {
	Name      string          `json:"name"`
	Value     json.RawMessage `json:"value"`
	Canonical string          `json:"canonical"`
	SHA256    string          `json:"sha256"`
}

func loadVectors(t *testing.T) []vector {
	t.Helper()

	data, err := os.ReadFile("testdata/vectors.json")
	if err != nil {
		t.Fatalf("reading fixture: %v", err)
	}

	var vectors []vector
	if err := json.Unmarshal(data, &vectors); err != nil {
		t.Fatalf("parsing fixture: %v", err)
	}
	return vectors
}

func TestMarshalVectors(t *testing.T) {
	for _, v := range loadVectors(t) {
		t.Run(v.Name, func(t *testing.T) {
			dec := json.NewDecoder(bytes.NewReader(v.Value))
			dec.UseNumber()

			var value any
			if err := dec.Decode(&value); err != nil {
				t.Fatalf("decoding value: %v", err)
			}

			got, err := canonical.Marshal(value)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if string(got) != v.Canonical {
				t.Errorf("Marshal = %q, want %q", got, v.Canonical)
			}

			if v.SHA256 != "" {
				digest, _, err := canonical.Hash(value)
				if err != nil {
					t.Fatalf("Hash: %v", err)
				}
				if digest != v.SHA256 {
					t.Errorf("Hash = %s, want %s", digest, v.SHA256)
				}
			}
		})
	}
}

func TestMarshalStructNormalization(t *testing.T) {
	type payload struct {
		Zebra string `json:"zebra"`
		Alpha int    `json:"alpha"`
	}

	got, err := canonical.Marshal(payload{Zebra: "z", Alpha: 1})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	want := `{"alpha":1,"zebra":"z"}`
	if string(got) != want {
		t.Errorf("Marshal = %q, want %q", got, want)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	value := map[string]any{
		"nested": map[string]any{"b": 1, "a": []any{"x", "y"}},
		"list":   []any{map[string]any{"k2": true, "k1": false}},
	}

	first, err := canonical.Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	for range 50 {
		again, err := canonical.Marshal(value)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("non-deterministic output: %q vs %q", first, again)
		}
	}
}

func TestMarshalUnsupportedType(t *testing.T) {
	if _, err := canonical.Marshal(make(chan int)); err == nil {
		t.Error("Marshal(chan) should fail, got nil error")
	}

	if _, err := canonical.Marshal(map[string]any{"fn": func() {}}); err == nil {
		t.Error("Marshal(func) should fail, got nil error")
	}
}

func TestHashDiffersOnDifferentValues(t *testing.T) {
	a, _, err := canonical.Hash(map[string]any{"a": json.Number("1")})
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	b, _, err := canonical.Hash(map[string]any{"a": json.Number("2")})
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if a == b {
		t.Error("different values produced the same hash")
	}
}
