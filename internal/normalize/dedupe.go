package normalize

import (
	"crypto/sha256"
	"strings"
)

// rowSet remembers rows by content hash so exact duplicates can be dropped
// without holding a second copy of every row.
type rowSet struct {
	items map[[sha256.Size]byte]struct{}
}

func newRowSet(capacity int) *rowSet {
	return &rowSet{items: make(map[[sha256.Size]byte]struct{}, capacity)}
}

// Seen reports whether row was added before and records it otherwise.
func (s *rowSet) Seen(row []string) bool {
	key := hashRow(row)
	if _, ok := s.items[key]; ok {
		return true
	}
	s.items[key] = struct{}{}
	return false
}

func hashRow(row []string) [sha256.Size]byte {
	var b strings.Builder
	for i, v := range row {
		if i > 0 {
			b.WriteByte(0x1f)
		}
		b.WriteString(v)
	}
	return sha256.Sum256([]byte(b.String()))
}
