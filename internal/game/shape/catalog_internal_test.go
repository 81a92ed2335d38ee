package shape

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRows(t *testing.T) {
	m, err := parseRows([]string{"10", "11"})
	assert.NoError(t, err)
	assert.Equal(t, Model{{1, 0}, {1, 1}}, m)

	_, err = parseRows([]string{"10", "1"})
	assert.Error(t, err, "ragged rows")

	_, err = parseRows([]string{"1x"})
	assert.Error(t, err, "invalid cell")

	_, err = parseRows([]string{"00"})
	assert.Error(t, err, "empty shape")

	_, err = parseRows(nil)
	assert.Error(t, err, "no rows")
}
