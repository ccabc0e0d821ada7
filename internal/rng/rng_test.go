package rng

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextIsDeterministicFromState(t *testing.T) {
	m := &MWC{state: 12345, carry: 67890}
	a := m.Next()
	m2 := &MWC{state: 12345, carry: 67890}
	b := m2.Next()
	assert.Equal(t, a, b)
}

func TestIntnBounds(t *testing.T) {
	m := New()
	for i := 0; i < 1000; i++ {
		v := m.Intn(7)
		assert.GreaterOrEqual(t, v, 0)
		assert.Less(t, v, 7)
	}
}

func TestIntnPanicsOnNonPositive(t *testing.T) {
	m := New()
	assert.Panics(t, func() { m.Intn(0) })
}

func TestShufflePermutes(t *testing.T) {
	m := New()
	arr := []int{0, 1, 2, 3, 4, 5, 6, 7}
	m.Shuffle(len(arr), func(i, j int) { arr[i], arr[j] = arr[j], arr[i] })

	seen := make(map[int]bool)
	for _, v := range arr {
		seen[v] = true
	}
	assert.Len(t, seen, 8)
}
