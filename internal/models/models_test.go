package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOppositeColor(t *testing.T) {
	assert.Equal(t, ColorBlack, OppositeColor(ColorWhite))
	assert.Equal(t, ColorWhite, OppositeColor(ColorBlack))
}
