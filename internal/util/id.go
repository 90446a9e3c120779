package util

import (
	"hash/fnv"

	"github.com/segmentio/ksuid"
)

// NewID returns a k-sortable unique id, optionally namespaced with a prefix.
// KSUIDs embed a timestamp, so ids generated by one process sort roughly in
// creation order without any coordination.
func NewID(prefix string) string {
	id := ksuid.New().String()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// palette is the fixed set of presence colors assigned to participants.
var palette = []string{
	"#2563eb", // blue
	"#16a34a", // green
	"#d97706", // amber
	"#dc2626", // red
	"#7c3aed", // violet
	"#0891b2", // cyan
	"#db2777", // pink
	"#65a30d", // lime
}

// ColorFor deterministically maps a participant id onto the presence
// palette, so every client renders the same color for the same user.
func ColorFor(id string) string {
	h := fnv.New32a()
	h.Write([]byte(id))
	return palette[h.Sum32()%uint32(len(palette))]
}
