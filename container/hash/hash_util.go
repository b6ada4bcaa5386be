package hash

import (
	"encoding/binary"

	"github.com/spaolacci/murmur3"
)

// GenHashMurMur hashes arbitrary bytes with murmur3
func GenHashMurMur(key []byte) uint32 {
	h := murmur3.New128()
	h.Write(key)

	hash := h.Sum(nil)

	return binary.LittleEndian.Uint32(hash)
}

// HashUint32 is the default key hash of the extendible hash table
func HashUint32(key uint32) uint32 {
	bs := make([]byte, 4)
	binary.LittleEndian.PutUint32(bs, key)
	return GenHashMurMur(bs)
}
