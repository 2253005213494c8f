package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/procfs"
	"go.trai.ch/zerr"
)

// Source produces raw memory readings.
type Source interface {
	Read(ctx context.Context) (Stats, error)
}

// ProcSource reads /proc/meminfo.
type ProcSource struct {
	fs procfs.FS
}

// NewProcSource opens the default procfs mount.
func NewProcSource() (*ProcSource, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, zerr.Wrap(err, "failed to open procfs")
	}
	return &ProcSource{fs: fs}, nil
}

func (p *ProcSource) Read(context.Context) (Stats, error) {
	mi, err := p.fs.Meminfo()
	if err != nil {
		return Stats{}, zerr.Wrap(err, "failed to read meminfo")
	}
	if mi.MemTotal == nil {
		return Stats{}, errors.New("meminfo: MemTotal missing")
	}
	st := Stats{Total: kb(mi.MemTotal)}
	switch {
	case mi.MemAvailable != nil:
		st.Available = kb(mi.MemAvailable)
	case mi.MemFree != nil:
		// kernels before 3.14 have no MemAvailable
		st.Available = kb(mi.MemFree) + kb(mi.Buffers) + kb(mi.Cached)
	}
	st.SwapTotal = kb(mi.SwapTotal)
	st.SwapFree = kb(mi.SwapFree)
	return st, nil
}

func kb(v *uint64) uint64 {
	if v == nil {
		return 0
	}
	return *v * 1024
}

// StaticSource returns whatever was last Set. Used for tests and for
// simulating pressure.
type StaticSource struct {
	mu  sync.Mutex
	st  Stats
	err error
}

func NewStaticSource(st Stats) *StaticSource { return &StaticSource{st: st} }

func (s *StaticSource) Set(st Stats) {
	s.mu.Lock()
	s.st = st
	s.err = nil
	s.mu.Unlock()
}

// SetUsedPercent sets Available so that the used share of total is pct.
func (s *StaticSource) SetUsedPercent(pct float64) {
	s.mu.Lock()
	if s.st.Total == 0 {
		s.st.Total = 16 << 30
	}
	used := uint64(float64(s.st.Total) * pct / 100)
	if used > s.st.Total {
		used = s.st.Total
	}
	s.st.Available = s.st.Total - used
	s.err = nil
	s.mu.Unlock()
}

func (s *StaticSource) SetError(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *StaticSource) Read(context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st, s.err
}
