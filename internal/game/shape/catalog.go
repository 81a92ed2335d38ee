package shape

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/jigsaw/internal/game/rng"
)

//go:embed shapes.yaml
var defaultTable []byte

// yamlTable is the top-level YAML structure of the shape table.
type yamlTable struct {
	Shapes []yamlShape `yaml:"shapes"`
}

// yamlShape is the YAML representation of a single polyomino.
type yamlShape struct {
	ID   int      `yaml:"id"`
	Rows []string `yaml:"rows"`
}

// Catalog is the immutable table of polyominoes plus a random picker.
// All methods are safe for concurrent use.
type Catalog struct {
	shapes []Shape // index id-1
	src    rng.Source
}

// LoadFromBytes parses and validates a shape table from YAML bytes.
//
// Precondition: src must be non-nil and safe for concurrent use.
// Postcondition: Returns a Catalog with exactly Count shapes, or a non-nil error.
func LoadFromBytes(data []byte, src rng.Source) (*Catalog, error) {
	var table yamlTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parsing shape table: %w", err)
	}
	if len(table.Shapes) != Count {
		return nil, fmt.Errorf("shape table must define %d shapes, got %d", Count, len(table.Shapes))
	}

	shapes := make([]Shape, Count)
	seen := make(map[int]bool, Count)
	for _, ys := range table.Shapes {
		if !ValidID(ys.ID) {
			return nil, fmt.Errorf("shape %d: %w", ys.ID, ErrUnknownShapeID)
		}
		if seen[ys.ID] {
			return nil, fmt.Errorf("shape %d defined twice", ys.ID)
		}
		seen[ys.ID] = true

		model, err := parseRows(ys.Rows)
		if err != nil {
			return nil, fmt.Errorf("shape %d: %w", ys.ID, err)
		}
		shapes[ys.ID-1] = Shape{ID: ys.ID, Model: model}
	}

	return &Catalog{shapes: shapes, src: src}, nil
}

// NewDefaultCatalog returns the built-in 31-shape catalog drawing from src.
//
// Precondition: src must be non-nil.
// Postcondition: Returns a Catalog or a non-nil error if the embedded table is corrupt.
func NewDefaultCatalog(src rng.Source) (*Catalog, error) {
	return LoadFromBytes(defaultTable, src)
}

// MustDefault is NewDefaultCatalog that panics on error.
func MustDefault(src rng.Source) *Catalog {
	c, err := NewDefaultCatalog(src)
	if err != nil {
		panic("shape: loading default catalog: " + err.Error())
	}
	return c
}

func parseRows(rows []string) (Model, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("no rows")
	}
	width := len(rows[0])
	model := make(Model, len(rows))
	cells := 0
	for i, r := range rows {
		if len(r) != width {
			return nil, fmt.Errorf("row %d has width %d, want %d", i, len(r), width)
		}
		model[i] = make([]uint8, width)
		for j, ch := range r {
			switch ch {
			case '0':
			case '1':
				model[i][j] = 1
				cells++
			default:
				return nil, fmt.Errorf("row %d: invalid cell %q", i, ch)
			}
		}
	}
	if cells == 0 {
		return nil, fmt.Errorf("shape covers no cells")
	}
	return model, nil
}

// ModelFor returns the occupancy matrix of shape id.
//
// Postcondition: Returns the shared model, or ErrUnknownShapeID if id is outside 1..Count.
func (c *Catalog) ModelFor(id int) (Model, error) {
	s, err := c.Lookup(id)
	if err != nil {
		return nil, err
	}
	return s.Model, nil
}

// Lookup returns the shape with the given id.
//
// Postcondition: Returns the Shape, or ErrUnknownShapeID if id is outside 1..Count.
func (c *Catalog) Lookup(id int) (Shape, error) {
	if !ValidID(id) {
		return Shape{}, fmt.Errorf("shape %d: %w", id, ErrUnknownShapeID)
	}
	return c.shapes[id-1], nil
}

// Random draws one shape uniformly from the catalog.
func (c *Catalog) Random() Shape {
	return c.shapes[c.src.Intn(Count)]
}

// Len returns the number of shapes in the catalog.
func (c *Catalog) Len() int { return len(c.shapes) }

// All returns every shape in id order.
func (c *Catalog) All() []Shape {
	out := make([]Shape, len(c.shapes))
	copy(out, c.shapes)
	return out
}
