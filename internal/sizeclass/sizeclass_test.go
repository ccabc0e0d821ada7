package sizeclass

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundTripCoversEverySize(t *testing.T) {
	for n := uintptr(1); n <= MaxSize; n++ {
		c := ClassForSize(n)
		got := SizeForClass(c)
		assert.GreaterOrEqualf(t, got, n, "class %d (%d bytes) too small for request %d", c, got, n)
	}
}

func TestZeroRoundsToSmallestClass(t *testing.T) {
	assert.Equal(t, SizeForClass(0), SizeForClass(ClassForSize(0)))
	assert.Equal(t, uintptr(MinObjectSize), SizeForClass(ClassForSize(1)))
}

func TestMaxSizeIsSmall(t *testing.T) {
	assert.True(t, IsSmall(MaxSize))
	assert.False(t, IsSmall(MaxSize+1))
}

func TestClassesAreMonotonic(t *testing.T) {
	prev := uintptr(0)
	for c := uint8(0); c < NumClasses; c++ {
		sz := SizeForClass(c)
		assert.GreaterOrEqual(t, sz, prev)
		prev = sz
	}
}

func TestClassZeroAndOneAreBothMinObjectSize(t *testing.T) {
	assert.Equal(t, uintptr(MinObjectSize), SizeForClass(0))
	assert.Equal(t, uintptr(MinObjectSize), SizeForClass(1))
}
