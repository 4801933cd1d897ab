package incremental

import "fmt"

// DatabaseKeyIndex uniquely identifies a particular query instance within
// the database: the group it belongs to, the query within that group, and
// the key within that query. It is comparable, and is meant for use as a map
// key and in cycle reports, not for anything semantic.
type DatabaseKeyIndex struct {
	// GroupIndex is the index of the query group containing this key.
	GroupIndex uint16

	// QueryIndex is the index of the query within its group.
	QueryIndex uint16

	// KeyIndex is the index of this particular key within the query.
	KeyIndex uint32
}

// String implements fmt.Stringer, using the raw indexes. Use DB.FormatIndex
// for a representation including the query name and key value.
func (k DatabaseKeyIndex) String() string {
	return fmt.Sprintf("query(%d,%d,%d)", k.GroupIndex, k.QueryIndex, k.KeyIndex)
}

// RuntimeID uniquely identifies a particular runtime. Each time you create a
// snapshot or fork, a fresh RuntimeID is allocated. The master database is
// runtime 0.
type RuntimeID uint64

// String implements fmt.Stringer.
func (id RuntimeID) String() string {
	return fmt.Sprintf("runtime(%d)", uint64(id))
}
