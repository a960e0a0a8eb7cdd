package audit

import (
	"github.com/majorcontext/origin/internal/hashing"
)

// Domain separation prefixes prevent second-preimage attacks.
const (
	leafPrefix     byte = 0x00
	internalPrefix byte = 0x01
)

func leafHash(entryHash string) hashing.Digest {
	return hashing.Default.Concat([]byte{leafPrefix}, []byte(entryHash))
}

func internalHash(left, right hashing.Digest) hashing.Digest {
	return hashing.Default.Concat([]byte{internalPrefix}, left[:], right[:])
}

// MerkleRoot returns the Merkle root over the entry hashes, in order. An odd
// node at the end of a level is promoted unchanged. The root of no entries
// is the zero digest.
func MerkleRoot(entries []*Entry) hashing.Digest {
	if len(entries) == 0 {
		return hashing.Digest{}
	}
	level := make([]hashing.Digest, len(entries))
	for i, e := range entries {
		level[i] = leafHash(e.Hash)
	}
	for len(level) > 1 {
		next := make([]hashing.Digest, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, internalHash(level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}
