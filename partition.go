package tlvdb

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/bsm/tlvdb/tlv"
)

// partition is a single append-only data file.
type partition struct {
	mu sync.Mutex

	num  int
	path string
	mode os.FileMode
	f    *os.File
	last int64 // append point, -1 until first touched
}

var openFile = os.OpenFile

func partitionPath(dir, base string, num int) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%d.dat", base, num))
}

func openPartition(dir, base string, num int, mode os.FileMode) (*partition, error) {
	p := &partition{
		num:  num,
		path: partitionPath(dir, base, num),
		mode: mode,
		last: -1,
	}

	// a leftover swap file belongs to an interrupted compaction
	if err := os.Remove(p.swapPath()); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	if err := p.open(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *partition) swapPath() string { return p.path + swapSuffix }

func (p *partition) open() error {
	f, err := openFile(p.path, os.O_RDWR|os.O_CREATE, p.mode)
	if err != nil {
		return err
	}
	p.f = f
	p.last = -1
	return nil
}

// end returns the append point, seeking to the file end on first touch.
// Callers must hold mu.
func (p *partition) end() (int64, error) {
	if p.last < 0 {
		pos, err := p.f.Seek(0, io.SeekEnd)
		if err != nil {
			return 0, err
		}
		p.last = pos
	}
	return p.last, nil
}

// append writes data at the end of the file and returns its offset.
func (p *partition) append(data []byte) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	off, err := p.end()
	if err != nil {
		return 0, err
	}

	n, err := p.f.WriteAt(data, off)
	p.last += int64(n)
	if err != nil {
		return 0, err
	}
	return off, nil
}

// writeAt overwrites data at off.
func (p *partition) writeAt(data []byte, off int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, err := p.f.WriteAt(data, off)
	return err
}

// decodeAt decodes the value stored at off.
func (p *partition) decodeAt(off int64) (tlv.Value, int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return tlv.DecodeAt(p.f, off)
}

// sizeAt returns the encoded size of the value stored at off.
func (p *partition) sizeAt(off int64) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return tlv.SizeAt(p.f, off)
}

func (p *partition) size() (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	info, err := p.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// reopen replaces the file handle after the path was swapped.
// Callers must hold mu.
func (p *partition) reopen() error {
	_ = p.f.Close()
	return p.open()
}

func (p *partition) sync() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.f.Sync()
}

func (p *partition) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.f.Close()
}

// --------------------------------------------------------------------

var bufPool sync.Pool

func fetchBuffer(sz int) []byte {
	if v := bufPool.Get(); v != nil {
		if p := v.([]byte); sz <= cap(p) {
			return p[:sz]
		}
	}
	return make([]byte, sz)
}

func releaseBuffer(p []byte) {
	if cap(p) != 0 {
		bufPool.Put(p)
	}
}

// encodeValue encodes v into a pooled buffer. Release it with releaseBuffer.
func encodeValue(v tlv.Value) ([]byte, error) {
	buf, err := v.AppendBinary(fetchBuffer(v.EncodedLen())[:0])
	if err != nil {
		return nil, err
	}
	return buf, nil
}
