package tosdb

// ColumnID identifies a column within a table's column map.
type ColumnID uint32

// ColumnDef describes one column: its wire type and whether it is indexed
// (participates in key_entry construction and Table.Search).
type ColumnDef struct {
	ID      ColumnID
	Name    string
	Type    DataType
	Indexed bool
}
