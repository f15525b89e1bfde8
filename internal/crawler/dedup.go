package crawler

// Deduplicator collapses records sharing a repo_id within one flush window.
// The last occurrence wins; the window keeps first-seen order. It is not safe
// for concurrent use.
type Deduplicator struct {
	index   map[string]int
	records []RepositoryRecord
}

// NewDeduplicator creates an empty window sized for capacity records.
func NewDeduplicator(capacity int) *Deduplicator {
	if capacity < 0 {
		capacity = 0
	}
	return &Deduplicator{
		index:   make(map[string]int, capacity),
		records: make([]RepositoryRecord, 0, capacity),
	}
}

// Add merges records into the window. Records without a repo_id are dropped.
func (d *Deduplicator) Add(records ...RepositoryRecord) {
	for _, rec := range records {
		if rec.RepoID == "" {
			continue
		}
		if i, ok := d.index[rec.RepoID]; ok {
			d.records[i] = rec
			continue
		}
		d.index[rec.RepoID] = len(d.records)
		d.records = append(d.records, rec)
	}
}

// Len returns the number of distinct repositories in the window.
func (d *Deduplicator) Len() int {
	return len(d.records)
}

// Drain returns the window contents and starts a new window.
func (d *Deduplicator) Drain() []RepositoryRecord {
	out := d.records
	d.records = make([]RepositoryRecord, 0, cap(out))
	clear(d.index)
	return out
}

// Dedup returns the distinct records of in, last occurrence winning.
func Dedup(in []RepositoryRecord) []RepositoryRecord {
	d := NewDeduplicator(len(in))
	d.Add(in...)
	return d.Drain()
}
