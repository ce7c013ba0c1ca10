package secretstore

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestParseKey(t *testing.T) {
	hexKey := strings.Repeat("ab", 32)
	b64Key := base64.StdEncoding.EncodeToString(make([]byte, 32))

	cases := []struct {
		name    string
		raw     string
		wantLen int
		wantErr bool
	}{
		{"empty", "", 0, false},
		{"hex", hexKey, 32, false},
		{"hex 0x", "0x" + hexKey, 32, false},
		{"base64", b64Key, 32, false},
		{"short hex", "abcd", 0, true},
		{"garbage", "not a key!", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseKey(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != tc.wantLen {
				t.Fatalf("len=%d want %d", len(got), tc.wantLen)
			}
		})
	}
}

func TestStoreRoundTrip(t *testing.T) {
	key, _ := ParseKey(strings.Repeat("11", 32))
	dir := t.TempDir()

	s, err := Open(OpenOptions{Path: dir, EncryptionKey: key})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.SetString("wallet_private_key", "0xdead"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.SetString("empty", ""); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, found, err := s.GetString("missing"); err != nil || found {
		t.Fatalf("missing: found=%v err=%v", found, err)
	}
	if v, found, err := s.GetString("empty"); err != nil || !found || v != "" {
		t.Fatalf("empty: v=%q found=%v err=%v", v, found, err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	ro, err := Open(OpenOptions{Path: dir, EncryptionKey: key, ReadOnly: true})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer ro.Close()
	v, found, err := ro.GetString(" wallet_private_key ")
	if err != nil || !found || v != "0xdead" {
		t.Fatalf("got v=%q found=%v err=%v", v, found, err)
	}
}
