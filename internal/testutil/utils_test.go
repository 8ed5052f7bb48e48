package testutil

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTestLogger(t *testing.T) {
	var logger interface{ Writer() io.Writer }

	t.Run("sub", func(t *testing.T) {
		l := TestLogger(t)
		assert.Equal(t, "[TestTestLogger/sub] ", l.Prefix())
		logger = l
	})

	assert.Equal(t, io.Discard, logger.Writer(), "expected output to be discarded after the test")
}
