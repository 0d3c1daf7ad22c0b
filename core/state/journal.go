package state

// journalEntry records the prior value of one key so a revert can restore it,
// including restoring absence.
type journalEntry struct {
	key     []byte
	prev    []byte
	existed bool
}

type revision struct {
	id    int
	index int
}

// journal collects undo information for writes issued while at least one
// snapshot is outstanding. Writes made with no snapshot open bypass it.
type journal struct {
	entries   []journalEntry
	revisions []revision
	nextID    int
}

func (j *journal) snapshot() int {
	id := j.nextID
	j.nextID++
	j.revisions = append(j.revisions, revision{id: id, index: len(j.entries)})
	return id
}

func (j *journal) active() bool { return len(j.revisions) > 0 }

func (j *journal) record(key, prev []byte, existed bool) {
	j.entries = append(j.entries, journalEntry{
		key:     append([]byte(nil), key...),
		prev:    prev,
		existed: existed,
	})
}

// find returns the position of the revision with the given id, or -1.
func (j *journal) find(id int) int {
	for i := len(j.revisions) - 1; i >= 0; i-- {
		if j.revisions[i].id == id {
			return i
		}
	}
	return -1
}
