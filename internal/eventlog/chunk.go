package eventlog

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Chunk files are named chunk-{start}.{end} after the logical chunks they
// cover. A file begins with a 16-byte header: magic | be4 start | be4 end.

const (
	chunkMagic      = "SCVCHUNK"
	chunkHeaderSize = 16
	tmpSuffix       = ".tmp"
)

// ErrBadChunk marks a chunk file whose header does not match its name.
var ErrBadChunk = errors.New("eventlog: bad chunk file")

type chunkFile struct {
	start int
	end   int
	// size is the file size, header included.
	size int64
}

func (c *chunkFile) name() string { return chunkName(c.start, c.end) }

func chunkName(start, end int) string { return fmt.Sprintf("chunk-%06d.%06d", start, end) }

func parseChunkName(name string) (start, end int, ok bool) {
	if !strings.HasPrefix(name, "chunk-") || strings.HasSuffix(name, tmpSuffix) {
		return 0, 0, false
	}
	if _, err := fmt.Sscanf(name, "chunk-%d.%d", &start, &end); err != nil || end < start {
		return 0, 0, false
	}
	return start, end, name == chunkName(start, end)
}

func chunkHeader(start, end int) []byte {
	h := make([]byte, 0, chunkHeaderSize)
	h = append(h, chunkMagic...)
	h = binary.BigEndian.AppendUint32(h, uint32(start))
	return binary.BigEndian.AppendUint32(h, uint32(end))
}

func checkChunkHeader(b []byte, start, end int) error {
	if len(b) < chunkHeaderSize || string(b[:8]) != chunkMagic {
		return errors.Wrap(ErrBadChunk, "magic")
	}
	if int(binary.BigEndian.Uint32(b[8:12])) != start || int(binary.BigEndian.Uint32(b[12:16])) != end {
		return errors.Wrapf(ErrBadChunk, "range does not match %s", chunkName(start, end))
	}
	return nil
}

// scanChunkDir lists the chunk files of dir in order. Leftover temp files are
// removed. Files covered by a wider file, left behind by an interrupted merge,
// are removed too.
func scanChunkDir(dir string) ([]*chunkFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var found []*chunkFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), tmpSuffix) {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				return nil, err
			}
			continue
		}
		start, end, ok := parseChunkName(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		found = append(found, &chunkFile{start: start, end: end, size: info.Size()})
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].start != found[j].start {
			return found[i].start < found[j].start
		}
		return found[i].end > found[j].end
	})

	var out []*chunkFile
	for _, c := range found {
		if n := len(out); n > 0 && c.start <= out[n-1].end {
			if c.end > out[n-1].end {
				return nil, errors.Wrapf(ErrBadChunk, "%s overlaps %s", c.name(), out[n-1].name())
			}
			if err := os.Remove(filepath.Join(dir, c.name())); err != nil {
				return nil, err
			}
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// createChunk writes a new chunk file holding only its header.
func createChunk(dir string, start, end int) (*os.File, error) {
	f, err := os.OpenFile(filepath.Join(dir, chunkName(start, end)), os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(chunkHeader(start, end)); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
