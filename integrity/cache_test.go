package integrity_test

import (
	"testing"

	"github.com/tweag/update-launcher/integrity"
)

func TestCacheStoreAndLoad(t *testing.T) {
	c := integrity.NewCache()

	sha256sum, err := integrity.ChecksumFromSRI("sha256-MgVgyoTIpgiyKd5ahOQPwcqZgp1MPlLDkNuer0+z8pE=")
	if err != nil {
		t.Fatal(err)
	}
	sha384sum, err := integrity.ChecksumFromSRI("sha384-29vOWFwIfypCjO5d9w75PmSNXxoOZKks8T0MjhVcLvQF4nqUBAvkhN56SO0d7bKK")
	if err != nil {
		t.Fatal(err)
	}
	hashes := integrity.IntegrityFromChecksums(sha256sum, sha384sum)

	if _, ok := c.FromIntegrity(hashes); ok {
		t.Fatal("cache should be empty")
	}

	knownSize := int64(2727)
	c.PutChecksum(sha256sum, knownSize)

	expectedDigest := integrity.NewDigest([]byte{
		0x32, 0x05, 0x60, 0xca, 0x84, 0xc8, 0xa6, 0x08, 0xb2, 0x29, 0xde, 0x5a, 0x84, 0xe4, 0x0f, 0xc1,
		0xca, 0x99, 0x82, 0x9d, 0x4c, 0x3e, 0x52, 0xc3, 0x90, 0xdb, 0x9e, 0xaf, 0x4f, 0xb3, 0xf2, 0x91,
	}, knownSize, integrity.SHA256)

	digest, ok := c.FromIntegrity(hashes)
	if !ok {
		t.Fatal("cache should contain the digest")
	}
	if !expectedDigest.Equals(digest, integrity.SHA256) {
		t.Fatalf("expected %v, got %v", expectedDigest, digest)
	}

	// the identifier is part of the key
	if _, ok := c.GetSlice(sha256sum.Hash, integrity.SHA384.Identifier()); ok {
		t.Fatal("used wrong identifier but got a result")
	}

	c.Forget(sha256sum)
	if _, ok := c.FromChecksum(sha256sum); ok {
		t.Fatal("forgotten checksum is still cached")
	}
}
