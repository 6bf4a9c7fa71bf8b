package exithook

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunInReverseOrder(t *testing.T) {
	var order []int
	Register(func() { order = append(order, 1) })
	Register(func() { order = append(order, 2) })
	removed := Register(func() { order = append(order, 3) })
	removed()

	Run()
	require.Equal(t, []int{2, 1}, order)

	Run()
	require.Equal(t, []int{2, 1}, order, "hooks must run once")
}
