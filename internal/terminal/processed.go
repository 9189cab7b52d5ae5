package terminal

// ProcessedSet remembers which log entries a terminal has already surfaced.
// It only ever holds delivered entries of the selected vehicle, so it grows
// no larger than that vehicle's share of the log, and it is emptied whenever
// the selection changes. Ids are never forgotten while the selection holds:
// a forgotten id would be surfaced again.
type ProcessedSet struct {
	ids map[string]struct{}
}

func NewProcessedSet() *ProcessedSet {
	return &ProcessedSet{ids: make(map[string]struct{})}
}

func (p *ProcessedSet) Has(id string) bool {
	_, ok := p.ids[id]
	return ok
}

// Add reports whether id was new.
func (p *ProcessedSet) Add(id string) bool {
	if p.Has(id) {
		return false
	}
	p.ids[id] = struct{}{}
	return true
}

func (p *ProcessedSet) Len() int {
	return len(p.ids)
}

func (p *ProcessedSet) Reset() {
	p.ids = make(map[string]struct{})
}
