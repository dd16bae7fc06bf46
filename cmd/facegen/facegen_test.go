package main

import (
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
)

func TestLossPlotFileName(t *testing.T) {
	assert.Equal(t, "loss_values.png", lossPlotFileName("Loss values"))
	assert.Equal(t, "generator_loss.png", lossPlotFileName("Generator Loss"))
}

func TestLatents(t *testing.T) {
	z := latents(3, 5, 7)
	assert.Equal(t, []int{3, 5}, z.Shape().Dimensions)
	assert.Equal(t, tensors.CopyFlatData[float32](z), tensors.CopyFlatData[float32](latents(3, 5, 7)))
	assert.NotEqual(t, tensors.CopyFlatData[float32](z), tensors.CopyFlatData[float32](latents(3, 5, 8)))
}
