package eventlog

import (
	"encoding/binary"
)

// Keyspace helpers for Pebble keys.
//
// Layout (byte-wise, lexicographically sortable):
// - idx/{hash_be8}/{evnum_be8}/{pos_be8}   stream index entry
// - ver/{stream}                           last event number of a stream
// - meta/indexed                           next log position to index

var (
	sep          = byte('/')
	idxPrefix    = []byte("idx/")
	verPrefix    = []byte("ver/")
	keyIndexedTo = []byte("meta/indexed")
)

const indexKeyLen = 4 + 8 + 1 + 8 + 1 + 8

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// KeyIndexEntry builds the index key of one event.
func KeyIndexEntry(hash uint64, eventNumber, position int64) []byte {
	k := make([]byte, 0, indexKeyLen)
	k = append(k, idxPrefix...)
	k = appendBE8(k, hash)
	k = append(k, sep)
	k = appendBE8(k, uint64(eventNumber))
	k = append(k, sep)
	k = appendBE8(k, uint64(position))
	return k
}

// KeyIndexStream is the prefix shared by every entry of a hash.
func KeyIndexStream(hash uint64) []byte {
	k := make([]byte, 0, 4+8+1)
	k = append(k, idxPrefix...)
	k = appendBE8(k, hash)
	k = append(k, sep)
	return k
}

// parseIndexKey splits an index key into hash, event number and position.
func parseIndexKey(k []byte) (hash uint64, eventNumber, position int64, ok bool) {
	if len(k) != indexKeyLen {
		return 0, 0, 0, false
	}
	k = k[len(idxPrefix):]
	hash = binary.BigEndian.Uint64(k[0:8])
	eventNumber = int64(binary.BigEndian.Uint64(k[9:17]))
	position = int64(binary.BigEndian.Uint64(k[18:26]))
	return hash, eventNumber, position, true
}

// KeyStreamVersion builds the last-event-number key of a stream.
func KeyStreamVersion(stream string) []byte {
	k := make([]byte, 0, len(verPrefix)+len(stream))
	k = append(k, verPrefix...)
	return append(k, stream...)
}
