// Package storage holds object key derivation shared by blob store
// implementations.
package storage

import (
	"path"
	"time"
)

// RunKey derives the run-partitioned object key for a finished
// artifact, e.g. "titles/bronze/run=20260830T120000Z/titles.jsonl.gz".
// Partitioning by run start keeps reruns from clobbering earlier
// artifacts.
func RunKey(prefix string, runStartedAt time.Time, basename string) string {
	partition := "run=" + runStartedAt.UTC().Format("20060102T150405Z")
	return path.Join(prefix, partition, basename)
}
