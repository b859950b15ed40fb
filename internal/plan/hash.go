package plan

import (
	"sort"
	"time"

	"github.com/JakeFAU/opendata-harvester/internal/hash/sha256"
)

// TaskID derives the deterministic identifier of an (endpoint, bucket, variant) key.
//
// Fields are length-prefixed so that ("ab", "c") and ("a", "bc") never collide; a
// nil variant is encoded distinctly from an empty one.
func TaskID(endpoint string, dataDate time.Time, variant *string) string {
	d := sha256.NewFields().
		AddString(endpoint).
		AddString(dataDate.UTC().Format(time.DateOnly))
	if variant == nil {
		d.Add([]byte{0})
	} else {
		d.Add([]byte{1}).AddString(*variant)
	}
	return d.Hex()
}

// Fingerprint hashes the sorted task ids together with the config version, so
// enumeration order never affects the result.
func Fingerprint(taskIDs []string, configVersion string) string {
	sorted := make([]string, len(taskIDs))
	copy(sorted, taskIDs)
	sort.Strings(sorted)

	d := sha256.NewFields().AddString(configVersion).Uint64(uint64(len(sorted)))
	for _, id := range sorted {
		d.AddString(id)
	}
	return d.Hex()
}
