package onetime

import (
	"bytes"
	"strings"
	"testing"
)

func TestRecordCodecRoundTrip(t *testing.T) {
	rec := &Record{
		UserID:      "user-1",
		CreatedAt:   1700000000,
		ExpiresAt:   1700000900,
		UsedAt:      1700000450,
		RequestedIP: "203.0.113.7",
		RequestedUA: "curl/8.0",
		UsedIP:      "198.51.100.23",
		UsedUA:      "firefox",
	}
	for i := range rec.SecretHash {
		rec.SecretHash[i] = byte(i)
	}

	encoded, err := encodeRecord(rec)
	if err != nil {
		t.Fatalf("encodeRecord: %v", err)
	}

	decoded, err := decodeRecord(encoded)
	if err != nil {
		t.Fatalf("decodeRecord: %v", err)
	}

	// TokenID travels in the key, not the blob.
	decoded.TokenID = rec.TokenID
	if *decoded != *rec {
		t.Errorf("roundtrip mismatch:\n got %+v\nwant %+v", decoded, rec)
	}
}

func TestRecordCodecEmptyStrings(t *testing.T) {
	rec := &Record{UserID: "user-1", CreatedAt: 1, ExpiresAt: 2}

	encoded, err := encodeRecord(rec)
	if err != nil {
		t.Fatalf("encodeRecord: %v", err)
	}
	decoded, err := decodeRecord(encoded)
	if err != nil {
		t.Fatalf("decodeRecord: %v", err)
	}
	if decoded.RequestedIP != "" || decoded.UsedUA != "" || decoded.UsedAt != 0 {
		t.Errorf("zero fields not preserved: %+v", decoded)
	}
}

func TestEncodeRecordRejectsOversizedField(t *testing.T) {
	rec := &Record{
		UserID:      "user-1",
		RequestedUA: strings.Repeat("x", 70000),
	}
	if _, err := encodeRecord(rec); err == nil {
		t.Fatal("encodeRecord accepted an oversized field")
	}
}

func TestDecodeRecordCorrupt(t *testing.T) {
	valid, err := encodeRecord(&Record{UserID: "user-1", CreatedAt: 1, ExpiresAt: 2})
	if err != nil {
		t.Fatalf("encodeRecord: %v", err)
	}

	cases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"version only", []byte{recordVersionV1}},
		{"unknown version", append([]byte{99}, valid[1:]...)},
		{"truncated", valid[:len(valid)-5]},
		{"truncated header", bytes.Repeat([]byte{recordVersionV1}, 4)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := decodeRecord(tc.data); err == nil {
				t.Fatal("decodeRecord accepted corrupt data")
			}
		})
	}
}
