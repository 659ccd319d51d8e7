package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAtExit(t *testing.T) {
	var order []int
	AtExit(func() { order = append(order, 1) })
	AtExit(func() { order = append(order, 2) })
	runExitHandlers()
	assert.Equal(t, []int{2, 1}, order)
	runExitHandlers()
	assert.Equal(t, []int{2, 1}, order, "Handlers should only run once")
}
