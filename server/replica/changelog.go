package replica

import "github.com/tinode/topicsync/server/store/types"

// changeLog is an append-only list of changes since the last persist. It can be rewound one
// record at a time.
type changeLog struct {
	records []types.EntryChange
}

func (l *changeLog) append(rec types.EntryChange) {
	l.records = append(l.records, rec)
}

// dropAdd removes the newest pending Add record for the entry if its payload matches.
func (l *changeLog) dropAdd(entryID, key string) bool {
	for i := len(l.records) - 1; i >= 0; i-- {
		rec := l.records[i]
		if rec.EntryID != entryID {
			continue
		}
		if rec.Command != types.CommandAdd {
			return false
		}
		if k, _, err := canonical(rec.Payload); err != nil || k != key {
			return false
		}
		l.records = append(l.records[:i], l.records[i+1:]...)
		return true
	}
	return false
}

// rewind removes and returns the newest record.
func (l *changeLog) rewind() (types.EntryChange, bool) {
	if len(l.records) == 0 {
		return types.EntryChange{}, false
	}
	last := l.records[len(l.records)-1]
	l.records = l.records[:len(l.records)-1]
	return last, true
}

// net returns the last command recorded for the entry.
func (l *changeLog) net(entryID string) (types.Command, bool) {
	for i := len(l.records) - 1; i >= 0; i-- {
		if l.records[i].EntryID == entryID {
			return l.records[i].Command, true
		}
	}
	return 0, false
}

func (l *changeLog) snapshot() []types.EntryChange {
	if len(l.records) == 0 {
		return nil
	}
	out := make([]types.EntryChange, len(l.records))
	copy(out, l.records)
	return out
}

func (l *changeLog) clear() {
	l.records = nil
}

func (l *changeLog) len() int {
	return len(l.records)
}
