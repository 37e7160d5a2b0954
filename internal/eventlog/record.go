package eventlog

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"time"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Record encoding: varint headerLen | header | payload | crc32c(header|payload)
//
// In a chunk file every record is framed as be4 length | record.

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ErrCorruptRecord marks a frame whose checksum or header does not decode.
var ErrCorruptRecord = errors.New("eventlog: corrupt record")

func EncodeRecord(header, payload []byte) []byte {
	out := make([]byte, 0, 10+len(header)+len(payload)+4)
	var tmp [10]byte
	n := binary.PutUvarint(tmp[:], uint64(len(header)))
	out = append(out, tmp[:n]...)
	out = append(out, header...)
	out = append(out, payload...)

	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	var crcb [4]byte
	binary.BigEndian.PutUint32(crcb[:], crc)
	out = append(out, crcb[:]...)
	return out
}

type Decoded struct {
	Header  []byte
	Payload []byte
}

func DecodeRecord(b []byte) (Decoded, bool) {
	if len(b) < 1+4 {
		return Decoded{}, false
	}
	hlen, n := binary.Uvarint(b)
	if n <= 0 {
		return Decoded{}, false
	}
	if n+4 > len(b) || hlen > uint64(len(b)-n-4) {
		return Decoded{}, false
	}
	header := b[n : n+int(hlen)]
	payload := b[n+int(hlen) : len(b)-4]
	expect := binary.BigEndian.Uint32(b[len(b)-4:])
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != expect {
		return Decoded{}, false
	}
	return Decoded{Header: append([]byte(nil), header...), Payload: append([]byte(nil), payload...)}, true
}

// Kind distinguishes stream events from log housekeeping records.
type Kind uint8

const (
	KindEvent Kind = iota + 1
	// KindSystem records open every logical chunk written by the log.
	KindSystem
)

// Header is the msgpack-encoded record header.
type Header struct {
	Kind        Kind   `msgpack:"k"`
	Stream      string `msgpack:"s,omitempty"`
	EventNumber int64  `msgpack:"n"`
	EventType   string `msgpack:"t,omitempty"`
	TimeStamp   int64  `msgpack:"ts"`
	Position    int64  `msgpack:"p"`
}

func (h Header) Time() time.Time { return time.Unix(0, h.TimeStamp).UTC() }

// Record is a decoded log record. Payload is uncompressed.
type Record struct {
	Header
	Payload []byte
}

// encodeFrame builds the framed on-disk form of r. Payloads are stored
// snappy-compressed.
func encodeFrame(r Record) ([]byte, error) {
	hb, err := msgpack.Marshal(&r.Header)
	if err != nil {
		return nil, errors.Wrap(err, "marshal header")
	}
	return frameBytes(EncodeRecord(hb, snappy.Encode(nil, r.Payload))), nil
}

// frameBytes frames an already encoded record.
func frameBytes(rec []byte) []byte {
	frame := make([]byte, 4, 4+len(rec))
	binary.BigEndian.PutUint32(frame, uint32(len(rec)))
	return append(frame, rec...)
}

// decodeHeader decodes only the header of an encoded record.
func decodeHeader(rec []byte) (Header, error) {
	dec, ok := DecodeRecord(rec)
	if !ok {
		return Header{}, ErrCorruptRecord
	}
	var h Header
	if err := msgpack.Unmarshal(dec.Header, &h); err != nil {
		return Header{}, errors.Wrap(ErrCorruptRecord, err.Error())
	}
	return h, nil
}

func decodeFull(rec []byte) (Record, error) {
	dec, ok := DecodeRecord(rec)
	if !ok {
		return Record{}, ErrCorruptRecord
	}
	var r Record
	if err := msgpack.Unmarshal(dec.Header, &r.Header); err != nil {
		return Record{}, errors.Wrap(ErrCorruptRecord, err.Error())
	}
	payload, err := snappy.Decode(nil, dec.Payload)
	if err != nil {
		return Record{}, errors.Wrap(ErrCorruptRecord, err.Error())
	}
	r.Payload = payload
	return r, nil
}

// readFrames calls fn with the offset and encoded record of every frame in
// data. It returns the offset just past the last intact frame, so a torn
// tail can be truncated.
func readFrames(data []byte, fn func(off int64, rec []byte) error) (int64, error) {
	var off int64
	for int64(len(data))-off >= 4 {
		n := int64(binary.BigEndian.Uint32(data[off : off+4]))
		if n == 0 || off+4+n > int64(len(data)) {
			break
		}
		rec := data[off+4 : off+4+n]
		if _, ok := DecodeRecord(rec); !ok {
			break
		}
		if err := fn(off, rec); err != nil {
			if errors.Is(err, io.EOF) {
				return off, nil
			}
			return off, err
		}
		off += 4 + n
	}
	return off, nil
}
