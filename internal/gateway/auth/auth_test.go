package auth

import "testing"

func TestLookup(t *testing.T) {
	keys := map[string]string{"k-alice": "alice", "k-bob": "bob"}

	tests := []struct {
		name   string
		key    string
		want   string
		wantOK bool
	}{
		{"match", "k-bob", "bob", true},
		{"prefix of a key", "k-bo", "", false},
		{"key with suffix", "k-bobby", "", false},
		{"empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Lookup(keys, tt.key)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("Lookup(%q) = (%q, %v), want (%q, %v)", tt.key, got, ok, tt.want, tt.wantOK)
			}
		})
	}

	if _, ok := Lookup(nil, "k-alice"); ok {
		t.Error("Lookup with no keys must not match")
	}
}
