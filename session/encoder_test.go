package session

import (
	"testing"
	"time"
)

func TestEncodeRejectsOversizedFields(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}

	s := makeSession("sid", hashByte(1))
	s.UserID = string(long)
	if _, err := Encode(s); err == nil {
		t.Fatal("expected error for oversized user id")
	}

	s = makeSession("sid", hashByte(1))
	s.Email = string(long)
	if _, err := Encode(s); err == nil {
		t.Fatal("expected error for oversized email")
	}
}

func TestDecodeRejectsTruncatedBlob(t *testing.T) {
	data, err := Encode(makeSession("sid", hashByte(7)))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	for _, cut := range []int{0, 1, 5, len(data) / 2, len(data) - 1} {
		if _, err := Decode(data[:cut]); err == nil {
			t.Fatalf("expected decode error at cut %d", cut)
		}
	}
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	data, err := Encode(makeSession("sid", hashByte(7)))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	data[0] = 9

	if _, err := Decode(data); err == nil {
		t.Fatal("expected error for unknown version")
	}
}

func TestEncodeDecodeEmptyUpstream(t *testing.T) {
	s := makeSession("sid", hashByte(3))
	s.CreatedAt = time.Now().Unix()

	data, err := Encode(s)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.UpstreamRefresh != "" {
		t.Fatalf("expected empty upstream, got %q", got.UpstreamRefresh)
	}
	if got.ExpiresAt != s.ExpiresAt || got.CreatedAt != s.CreatedAt {
		t.Fatal("timestamp mismatch after round trip")
	}
}
