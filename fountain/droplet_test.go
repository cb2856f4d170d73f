package fountain

import (
	"bytes"
	"testing"
)

func TestDropletWireRoundTrip(t *testing.T) {
	d := &Droplet{
		Seed:      18446744073709551615, // max uint64 must survive the wire
		NumChunks: 42,
		Padding:   7,
		Data:      []byte{0x00, 0xff, 0x10, 0x7c},
	}
	parsed, err := Parse(d.String())
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Seed != d.Seed || parsed.NumChunks != d.NumChunks || parsed.Padding != d.Padding {
		t.Fatalf("header fields changed: %+v != %+v", parsed, d)
	}
	if !bytes.Equal(parsed.Data, d.Data) {
		t.Fatalf("payload changed: %x != %x", parsed.Data, d.Data)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"too few fields", "1|2|0"},
		{"non-numeric seed", "abc|2|0|AAAA"},
		{"negative seed", "-1|2|0|AAAA"},
		{"non-numeric chunks", "1|x|0|AAAA"},
		{"negative chunks", "1|-2|0|AAAA"},
		{"huge chunks", "1|99999999|0|AAAA"},
		{"non-numeric padding", "1|2|x|AAAA"},
		{"negative padding", "1|2|-1|AAAA"},
		{"bad base64", "1|2|0|not base64!"},
		{"padding exceeds chunk", "1|2|3|AAAA"}, // 3 bytes of payload
		{"empty payload", "1|2|0|"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.in)
			if err == nil {
				t.Fatalf("expected rejection of %q", tt.in)
			}
			if !ErrMalformedDroplet.Has(err) {
				t.Fatalf("want malformed-droplet error, got %v", err)
			}
		})
	}
}

func TestManifestDroplet(t *testing.T) {
	m := NewManifest(3)
	if !m.IsManifest() {
		t.Fatal("manifest droplet not recognized")
	}

	parsed, err := Parse(m.String())
	if err != nil {
		t.Fatal(err)
	}
	if !parsed.IsManifest() {
		t.Fatal("manifest marker lost on the wire")
	}
	count, err := parsed.FileCount()
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Fatalf("want file count 3, got %d", count)
	}

	data := &Droplet{Seed: 1, NumChunks: 5, Padding: 0, Data: []byte{1}}
	if data.IsManifest() {
		t.Fatal("data droplet mistaken for a manifest")
	}
	if _, err := data.FileCount(); err == nil {
		t.Fatal("FileCount on a data droplet should fail")
	}

	bad := &Droplet{Data: []byte("not a number")}
	if _, err := bad.FileCount(); err == nil {
		t.Fatal("garbage manifest payload should fail")
	}
}
