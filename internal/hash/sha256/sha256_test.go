// Package sha256 includes tests for the SHA-256 hasher adapter.
package sha256

import "testing"

// TestHasherHashKnownVectors checks the digest against fixed vectors.
func TestHasherHashKnownVectors(t *testing.T) {
	t.Parallel()

	h := New()
	cases := []struct {
		in   string
		want string
	}{
		{"abc", "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"},
		{"", "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
	}
	for _, tc := range cases {
		got, err := h.Hash([]byte(tc.in))
		if err != nil {
			t.Fatalf("Hash(%q) error = %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("Hash(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

// TestHasherHashDeterministic ensures repeated hashing yields the same digest.
func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	text := []byte("officials said the agreement would take effect next month")
	first, err := h.Hash(text)
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	second, err := h.Hash(text)
	if err != nil {
		t.Fatalf("Hash() repeat error = %v", err)
	}
	if first != second {
		t.Fatalf("expected deterministic hash, got %s vs %s", first, second)
	}
}
