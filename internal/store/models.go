package store

// DirectoryRow is one row of a recursive directory query. The recursive
// projection can yield NULL columns, so every field is optional.
type DirectoryRow struct {
	ID       *int32
	Name     *string
	ParentID *int32
}

