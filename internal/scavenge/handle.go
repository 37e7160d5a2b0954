package scavenge

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

type handleKind uint8

const (
	handleNone handleKind = iota
	handleHash
	handleID
)

// StreamHandle identifies a stream either by its hash, valid while the hash
// does not collide, or by its full name once it does.
type StreamHandle struct {
	kind handleKind
	hash uint64
	id   string
}

// ForHash addresses a stream by hash.
func ForHash(hash uint64) StreamHandle { return StreamHandle{kind: handleHash, hash: hash} }

// ForID addresses a stream by name.
func ForID(name string) StreamHandle { return StreamHandle{kind: handleID, id: name} }

func (h StreamHandle) IsHash() bool { return h.kind == handleHash }
func (h StreamHandle) IsID() bool   { return h.kind == handleID }
func (h StreamHandle) IsZero() bool { return h.kind == handleNone }
func (h StreamHandle) Hash() uint64 { return h.hash }
func (h StreamHandle) ID() string   { return h.id }

func (h StreamHandle) String() string {
	switch h.kind {
	case handleHash:
		return fmt.Sprintf("Hash(%016x)", h.hash)
	case handleID:
		return fmt.Sprintf("Id(%s)", h.id)
	default:
		return "None"
	}
}

// appendKey encodes the handle so that byte order sorts hash handles by hash
// and then id handles by name.
func (h StreamHandle) appendKey(dst []byte) []byte {
	dst = append(dst, byte(h.kind))
	switch h.kind {
	case handleHash:
		dst = binary.BigEndian.AppendUint64(dst, h.hash)
	case handleID:
		dst = append(dst, h.id...)
	}
	return dst
}

func decodeHandle(b []byte) (StreamHandle, error) {
	if len(b) == 0 {
		return StreamHandle{}, errors.New("empty stream handle")
	}
	switch handleKind(b[0]) {
	case handleHash:
		if len(b) != 9 {
			return StreamHandle{}, errors.Errorf("hash handle length %d", len(b))
		}
		return ForHash(binary.BigEndian.Uint64(b[1:])), nil
	case handleID:
		return ForID(string(b[1:])), nil
	default:
		return StreamHandle{}, errors.Errorf("unknown handle kind %d", b[0])
	}
}
