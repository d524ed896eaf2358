package storage

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ObjectExt is the suffix of every stored snapshot.
const ObjectExt = ".vault"

const objectTimeLayout = "20060102T150405.000000000Z"

// ObjectName returns "<base>-<UTC timestamp>.vault". Names sort
// lexicographically in creation order.
func ObjectName(base string, t time.Time) string {
	return base + "-" + t.UTC().Format(objectTimeLayout) + ObjectExt
}

// HasObjectPrefix reports whether name was produced by ObjectName for base.
func HasObjectPrefix(name, base string) bool {
	_, ok := ParseObjectTime(name, base)
	return ok
}

// ParseObjectTime recovers the timestamp embedded by ObjectName.
func ParseObjectTime(name, base string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(name, base+"-")
	if !ok {
		return time.Time{}, false
	}
	rest, ok = strings.CutSuffix(rest, ObjectExt)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(objectTimeLayout, rest)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ValidateVersionID rejects ids that could escape a folder or bucket prefix.
func ValidateVersionID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidVersionID, id)
	}
	return nil
}

// SortNewestFirst orders versions by CreatedAt descending, breaking ties by
// Name descending.
func SortNewestFirst(vs []ProviderVersion) {
	sort.SliceStable(vs, func(i, j int) bool {
		if !vs[i].CreatedAt.Equal(vs[j].CreatedAt) {
			return vs[i].CreatedAt.After(vs[j].CreatedAt)
		}
		return vs[i].Name > vs[j].Name
	})
}
