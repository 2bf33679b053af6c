package purge

import (
	"crypto/md5"
	"encoding/hex"
)

// Job klasses consumed by pkg/worker.
const (
	KlassPurgeScan  = "purge-scan"
	KlassRevalidate = "revalidate"
)

// Job priorities, per spec: purge outranks revalidate.
const (
	PriorityPurge      = 5
	PriorityRevalidate = 4
)

// revalidateJobID and purgeJobID are deterministic so repeated identical
// requests for the same root collapse onto the same queued job instead of
// piling up duplicates.
func revalidateJobID(root string) string {
	return hashJobID("revalidate:" + root)
}

func purgeJobID(root string) string {
	return hashJobID("purge:" + root)
}

func hashJobID(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
