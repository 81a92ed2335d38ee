// Package shape holds the fixed polyomino catalog from which puzzle pieces are drawn.
package shape

import (
	"errors"
	"fmt"
)

// Count is the number of polyominoes in the catalog. Shape ids run 1..Count.
const Count = 31

// ErrUnknownShapeID is returned when a shape id falls outside 1..Count.
var ErrUnknownShapeID = errors.New("unknown shape id")

// Model is an occupancy matrix: Model[row][col] is 1 where the shape covers a cell.
//
// Invariant: Models handed out by a Catalog are shared and MUST NOT be mutated.
type Model [][]uint8

// Height returns the number of rows.
func (m Model) Height() int { return len(m) }

// Width returns the number of columns.
func (m Model) Width() int {
	if len(m) == 0 {
		return 0
	}
	return len(m[0])
}

// Filled reports whether the cell at (row, col) is covered.
//
// Precondition: 0 <= row < Height() and 0 <= col < Width().
func (m Model) Filled(row, col int) bool {
	return m[row][col] == 1
}

// Cells returns the number of covered cells.
func (m Model) Cells() int {
	n := 0
	for _, row := range m {
		for _, c := range row {
			if c == 1 {
				n++
			}
		}
	}
	return n
}

// Clone returns a deep copy that the caller may modify.
func (m Model) Clone() Model {
	out := make(Model, len(m))
	for i, row := range m {
		out[i] = append([]uint8(nil), row...)
	}
	return out
}

// Shape is one catalog entry: an id plus its immutable model.
type Shape struct {
	ID    int
	Model Model
}

// Name returns the display key of the shape, e.g. "S7".
func (s Shape) Name() string {
	return fmt.Sprintf("S%d", s.ID)
}

// ValidID reports whether id addresses a catalog entry.
func ValidID(id int) bool {
	return id >= 1 && id <= Count
}
