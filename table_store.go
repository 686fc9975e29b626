package dht

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	log "github.com/golang/glog"
	"go.uber.org/multierr"
)

// ErrTruncatedTable is returned with the readable prefix of a damaged table
// file.
var ErrTruncatedTable = errors.New("routing table file truncated")

const (
	tableMagic   = "mlDT"
	tableVersion = 1
)

// tableRecord is the fixed part of a persisted entry; the IP bytes follow
// ipLen.
type tableRecord struct {
	ID            Key
	IPLen         uint8
	IP            [16]byte
	Port          uint16
	FirstSeen     int64
	LastResponded int64
	LastSeen      int64
	FailedQueries uint16
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func writeRecord(w io.Writer, e KBucketEntry) error {
	ip := e.Addr.Addr().Unmap().AsSlice()
	var b []byte
	b = append(b, e.ID[:]...)
	b = append(b, byte(len(ip)))
	b = append(b, ip...)
	b = binary.BigEndian.AppendUint16(b, e.Addr.Port())
	b = binary.BigEndian.AppendUint64(b, uint64(millis(e.FirstSeen)))
	b = binary.BigEndian.AppendUint64(b, uint64(millis(e.LastResponded)))
	b = binary.BigEndian.AppendUint64(b, uint64(millis(e.LastSeen)))
	b = binary.BigEndian.AppendUint16(b, uint16(min(e.FailedQueries, 0xffff)))
	_, err := w.Write(b)
	return err
}

func readRecord(r io.Reader) (*KBucketEntry, error) {
	var rec tableRecord
	if _, err := io.ReadFull(r, rec.ID[:]); err != nil {
		return nil, err
	}
	var l [1]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return nil, err
	}
	rec.IPLen = l[0]
	if rec.IPLen != 4 && rec.IPLen != 16 {
		return nil, fmt.Errorf("bad address length %d", rec.IPLen)
	}
	if _, err := io.ReadFull(r, rec.IP[:rec.IPLen]); err != nil {
		return nil, err
	}
	var tail [2 + 8 + 8 + 8 + 2]byte
	if _, err := io.ReadFull(r, tail[:]); err != nil {
		return nil, err
	}
	rec.Port = binary.BigEndian.Uint16(tail[0:])
	rec.FirstSeen = int64(binary.BigEndian.Uint64(tail[2:]))
	rec.LastResponded = int64(binary.BigEndian.Uint64(tail[10:]))
	rec.LastSeen = int64(binary.BigEndian.Uint64(tail[18:]))
	rec.FailedQueries = binary.BigEndian.Uint16(tail[26:])

	ip, _ := netip.AddrFromSlice(rec.IP[:rec.IPLen])
	return &KBucketEntry{
		ID:            rec.ID,
		Addr:          netip.AddrPortFrom(ip, rec.Port),
		FirstSeen:     fromMillis(rec.FirstSeen),
		LastResponded: fromMillis(rec.LastResponded),
		LastSeen:      fromMillis(rec.LastSeen),
		FailedQueries: int(rec.FailedQueries),
	}, nil
}

// saveTable writes the non-bad entries and replacements of r, together with
// the root ID, to path. The file is replaced atomically.
func saveTable(path string, root Key, r *routingTable) (err error) {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("save routing table: %w", err)
	}
	defer func() {
		if err != nil {
			os.Remove(f.Name())
		}
	}()
	w := bufio.NewWriter(f)
	w.WriteString(tableMagic)
	w.WriteByte(tableVersion)
	w.WriteByte(byte(r.family))
	w.Write(root[:])
	n := 0
	for _, te := range r.snapshot() {
		for _, e := range append(te.bucket.Entries(), te.bucket.Replacements()...) {
			if e.isBad() {
				continue
			}
			if err := writeRecord(w, e); err != nil {
				return multierr.Append(fmt.Errorf("save routing table: %w", err), f.Close())
			}
			n++
		}
	}
	if err := multierr.Combine(w.Flush(), f.Sync(), f.Close()); err != nil {
		return fmt.Errorf("save routing table: %w", err)
	}
	if err := os.Rename(f.Name(), path); err != nil {
		return fmt.Errorf("save routing table: %w", err)
	}
	log.V(1).Infof("DHT: saved %d %v routing table entries to %v", n, r.family, path)
	return nil
}

// loadTable reads a table file. On ErrTruncatedTable the entries read so far
// are returned as well.
func loadTable(path string, f Family) (root Key, entries []*KBucketEntry, err error) {
	fd, err := os.Open(path)
	if err != nil {
		return root, nil, fmt.Errorf("load routing table: %w", err)
	}
	defer fd.Close()
	r := bufio.NewReader(fd)
	var hdr [len(tableMagic) + 2 + keyLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return root, nil, fmt.Errorf("load routing table %v: %w", path, ErrTruncatedTable)
	}
	if string(hdr[:len(tableMagic)]) != tableMagic {
		return root, nil, fmt.Errorf("load routing table %v: bad magic", path)
	}
	if v := hdr[len(tableMagic)]; v != tableVersion {
		return root, nil, fmt.Errorf("load routing table %v: unsupported version %d", path, v)
	}
	if fam := Family(hdr[len(tableMagic)+1]); fam != f {
		return root, nil, fmt.Errorf("load routing table %v: file is for %v, not %v", path, fam, f)
	}
	copy(root[:], hdr[len(tableMagic)+2:])
	for {
		e, err := readRecord(r)
		if err == io.EOF {
			return root, entries, nil
		}
		if err != nil {
			return root, entries, fmt.Errorf("load routing table %v after %d entries: %v: %w", path, len(entries), err, ErrTruncatedTable)
		}
		entries = append(entries, e)
	}
}
