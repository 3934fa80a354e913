package integrity

import (
	"sync"
)

// ChecksumCache remembers the digest (hash and size) learned for a checksum.
// Keys are padded to 64 bytes, plus one byte for the algorithm identifier,
// so checksums of different algorithms never collide.
type ChecksumCache struct {
	shards [shardCount]map[[65]byte]Digest
	muxs   [shardCount]sync.RWMutex
}

func NewCache() *ChecksumCache {
	cache := &ChecksumCache{}
	for i := range cache.shards {
		cache.shards[i] = make(map[[65]byte]Digest)
	}
	return cache
}

func cacheKey(hash []byte, identifier byte) [65]byte {
	var key [65]byte
	copy(key[:64], hash)
	key[64] = identifier
	return key
}

func (c *ChecksumCache) GetSlice(hash []byte, identifier byte) (Digest, bool) {
	if len(hash) == 0 {
		return Digest{}, false
	}
	shard := hash[0] & shardMask
	c.muxs[shard].RLock()
	defer c.muxs[shard].RUnlock()

	digest, ok := c.shards[shard][cacheKey(hash, identifier)]
	return digest, ok
}

func (c *ChecksumCache) PutSlice(hash []byte, identifier byte, digest Digest) {
	if len(hash) == 0 {
		return
	}
	shard := hash[0] & shardMask
	c.muxs[shard].Lock()
	defer c.muxs[shard].Unlock()

	c.shards[shard][cacheKey(hash, identifier)] = digest
}

// Forget drops the entry for a checksum, e.g. after the blob disappeared.
func (c *ChecksumCache) Forget(checksum Checksum) {
	if checksum.Empty() {
		return
	}
	shard := checksum.Hash[0] & shardMask
	c.muxs[shard].Lock()
	defer c.muxs[shard].Unlock()

	delete(c.shards[shard], cacheKey(checksum.Hash, checksum.Algorithm.Identifier()))
}

func (c *ChecksumCache) FromIntegrity(integrity Integrity) (Digest, bool) {
	for checksum := range integrity.Items() {
		if digest, ok := c.FromChecksum(checksum); ok {
			return digest, true
		}
	}
	return Digest{}, false
}

func (c *ChecksumCache) FromChecksum(checksum Checksum) (Digest, bool) {
	return c.GetSlice(checksum.Hash, checksum.Algorithm.Identifier())
}

// PutChecksum records the size of the blob identified by checksum.
func (c *ChecksumCache) PutChecksum(checksum Checksum, sizeBytes int64) {
	c.PutSlice(checksum.Hash, checksum.Algorithm.Identifier(), NewDigest(checksum.Hash, sizeBytes, checksum.Algorithm))
}

const (
	shardCount = 2 << 7
	shardMask  = shardCount - 1
)
