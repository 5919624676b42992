package corelog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProducesUsableLoggerInBothModes(t *testing.T) {
	for _, debug := range []bool{false, true} {
		log, err := New(Options{Debug: debug})
		require.NoError(t, err)
		require.NotNil(t, log)
		assert.NotPanics(t, func() { log.Info("startup") })
	}
}

func TestNopDiscardsWithoutPanicking(t *testing.T) {
	assert.NotPanics(t, func() { Nop().Info("ignored") })
}
