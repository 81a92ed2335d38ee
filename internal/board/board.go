// Package board implements the player-side 9x9 field on which shapes are placed.
package board

import (
	"fmt"
	"strings"
	"time"

	"github.com/cory-johannsen/jigsaw/internal/game/result"
	"github.com/cory-johannsen/jigsaw/internal/game/shape"
)

// Size is the side length of the field.
const Size = 9

// Board is one player's field plus the counters reported when the game ends.
// The zero value is an empty board.
type Board struct {
	cells [Size][Size]bool

	turns   int
	covered int
	placed  int
}

// New returns an empty board.
func New() *Board { return &Board{} }

// Occupied reports whether the cell at (row, col) is covered.
//
// Precondition: 0 <= row, col < Size.
func (b *Board) Occupied(row, col int) bool { return b.cells[row][col] }

// Turns is the number of placement attempts, successful or not.
func (b *Board) Turns() int { return b.turns }

// CoveredCells is the number of covered cells.
func (b *Board) CoveredCells() int { return b.covered }

// ShapesPlaced is the number of shapes placed; it is the player's score.
func (b *Board) ShapesPlaced() int { return b.placed }

// Fits reports whether m can be placed so that its cell (selRow, selCol) lands
// on the board cell (row, col) without leaving the board or overlapping a
// covered cell.
func (b *Board) Fits(m shape.Model, row, col, selRow, selCol int) bool {
	top, left := row-selRow, col-selCol
	if selRow < 0 || selCol < 0 || top < 0 || left < 0 {
		return false
	}
	if top+m.Height() > Size || left+m.Width() > Size {
		return false
	}
	for r := 0; r < m.Height(); r++ {
		for c := 0; c < m.Width(); c++ {
			if m.Filled(r, c) && b.cells[top+r][left+c] {
				return false
			}
		}
	}
	return true
}

// TryPlace counts a turn and places m if it fits.
//
// Postcondition: Turns is incremented; on success the shape's filled cells are
// covered, ShapesPlaced is incremented and true is returned. On failure the
// board is unchanged.
func (b *Board) TryPlace(m shape.Model, row, col, selRow, selCol int) bool {
	b.turns++
	if !b.Fits(m, row, col, selRow, selCol) {
		return false
	}
	top, left := row-selRow, col-selCol
	for r := 0; r < m.Height(); r++ {
		for c := 0; c < m.Width(); c++ {
			if m.Filled(r, c) {
				b.cells[top+r][left+c] = true
				b.covered++
			}
		}
	}
	b.placed++
	return true
}

// FirstFit returns the first top-left position, scanning rows then columns,
// at which m fits.
func (b *Board) FirstFit(m shape.Model) (row, col int, ok bool) {
	for r := 0; r+m.Height() <= Size; r++ {
		for c := 0; c+m.Width() <= Size; c++ {
			if b.Fits(m, r, c, 0, 0) {
				return r, c, true
			}
		}
	}
	return 0, 0, false
}

// Stats builds the stats a player submits when finishing after elapsed.
func (b *Board) Stats(elapsed time.Duration, finishedAt time.Time) result.PlayerStats {
	return result.PlayerStats{
		Score:      b.placed,
		Duration:   FormatDuration(elapsed),
		FinishedAt: finishedAt,
	}
}

// FormatDuration renders d as the "HH:MM:SS" label used on the leaderboard.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, secs/60%60, secs%60)
}

// String renders the board with '#' for covered and '.' for free cells.
func (b *Board) String() string {
	var sb strings.Builder
	for r := 0; r < Size; r++ {
		for c := 0; c < Size; c++ {
			if b.cells[r][c] {
				sb.WriteByte('#')
			} else {
				sb.WriteByte('.')
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
