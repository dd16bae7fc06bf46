package device

import (
	"testing"

	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	var dev *Context
	require.NotPanics(t, func() {
		var err error
		dev, err = New("no_such_backend:cpu")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no_such_backend")
	})
	assert.Nil(t, dev)
	assert.Error(t, dev.Validate())
	assert.Equal(t, "<no device>", dev.String())

	dev = FromBackend(graphtest.BuildTestBackend())
	require.NoError(t, dev.Validate())
	assert.NotEmpty(t, dev.String())
}
