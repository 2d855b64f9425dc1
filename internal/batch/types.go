// Package batch reads a batch of per-user message records and partitions them
// by tenant key.
package batch

// Record is one input message as decoded from the batch source. All fields
// of the source object are kept so they can be staged verbatim.
type Record struct {
	TenantKey string
	Timestamp string
	Message   string
	Fields    map[string]any
}

// TenantGroup holds one tenant's records in the order they were read.
type TenantGroup struct {
	Key     string
	Records []Record
}

// Partition groups records by tenant key. Groups are returned in the order
// their key was first seen; records keep their relative order within a group.
func Partition(records []Record) []TenantGroup {
	index := make(map[string]int)
	groups := make([]TenantGroup, 0)
	for _, rec := range records {
		i, ok := index[rec.TenantKey]
		if !ok {
			i = len(groups)
			index[rec.TenantKey] = i
			groups = append(groups, TenantGroup{Key: rec.TenantKey})
		}
		groups[i].Records = append(groups[i].Records, rec)
	}
	return groups
}

// Count returns the total number of records across groups.
func Count(groups []TenantGroup) int {
	n := 0
	for _, g := range groups {
		n += len(g.Records)
	}
	return n
}
