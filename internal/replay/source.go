package replay

import "time"

// Record is one timestamped data point pulled from a source. Source and Seq
// are stamped by the source itself; Data is opaque to the controller and
// interpreted by the dispatch target.
type Record struct {
	Source string
	Seq    int
	Time   time.Time
	Data   any
}

// Source is a finite sequence of records sorted by non-decreasing time.
// Next returns false once the sequence is exhausted; Reset re-arms it from
// the beginning.
type Source interface {
	Name() string
	Next() (Record, bool)
	Reset()
}

// SliceSource replays an in-memory slice of records. The slice must already
// be sorted by time; Source and Seq on the input records are overwritten.
type SliceSource struct {
	name string
	recs []Record
	pos  int
}

func NewSliceSource(name string, recs []Record) *SliceSource {
	return &SliceSource{name: name, recs: recs}
}

func (s *SliceSource) Name() string { return s.name }

func (s *SliceSource) Next() (Record, bool) {
	if s.pos >= len(s.recs) {
		return Record{}, false
	}
	rec := s.recs[s.pos]
	rec.Source = s.name
	rec.Seq = s.pos
	s.pos++
	return rec, true
}

func (s *SliceSource) Reset() { s.pos = 0 }

// Len returns the total number of records in the source.
func (s *SliceSource) Len() int { return len(s.recs) }
