package integrity_test

import (
	"strings"
	"testing"

	"github.com/juju/errors"

	"github.com/tweag/update-launcher/integrity"
)

func TestParseChecksum(t *testing.T) {
	// sha256("hello")
	const hexHash = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	expected, err := integrity.ChecksumFromHex(hexHash)
	if err != nil {
		t.Fatal(err)
	}

	for _, tc := range []struct {
		name  string
		input string
	}{
		{name: "hex", input: hexHash},
		{name: "sri", input: expected.ToSRI()},
		{name: "base64url", input: expected.Base64URL()},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := integrity.ParseChecksum(tc.input)
			if err != nil {
				t.Fatal(err)
			}
			if !got.Equals(expected) {
				t.Fatalf("expected %v, got %v", expected, got)
			}
		})
	}

	if _, err := integrity.ParseChecksum("not-a-hash"); err == nil {
		t.Fatal("expected error for garbage input")
	}
	if _, err := integrity.ChecksumFromSRI("md5-AAAA"); err == nil {
		t.Fatal("expected error for unsupported algorithm")
	}
}

func TestCheckContent(t *testing.T) {
	checksum, err := integrity.ChecksumFromHex("2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824")
	if err != nil {
		t.Fatal(err)
	}

	digest, err := checksum.CheckContent(strings.NewReader("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if digest.SizeBytes != 5 {
		t.Fatalf("expected size 5, got %d", digest.SizeBytes)
	}
	if digest.Hex(integrity.SHA256) != checksum.Hex() {
		t.Fatalf("digest %s does not match checksum %s", digest.Hex(integrity.SHA256), checksum.Hex())
	}

	_, err = checksum.CheckContent(strings.NewReader("hello world"))
	if !errors.Is(err, integrity.ErrChecksumMismatch) {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
}

func TestZeroSized(t *testing.T) {
	for _, alg := range integrity.SupportedAlgorithms() {
		digest, err := integrity.CalculateDigest(strings.NewReader(""), alg)
		if err != nil {
			t.Fatal(err)
		}
		if !integrity.ChecksumFromDigest(digest, alg).ZeroSized() {
			t.Fatalf("%s of empty input not recognised as zero sized", alg)
		}
	}
}
