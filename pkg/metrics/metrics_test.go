package metrics

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimer(t *testing.T) {
	var buf bytes.Buffer
	logrus.SetOutput(&buf)
	logrus.SetLevel(logrus.DebugLevel)
	t.Cleanup(func() { logrus.SetLevel(logrus.InfoLevel) })

	timer := NewTimer("pull")
	d := timer.Stop()

	assert.GreaterOrEqual(t, d, time.Duration(0))
	assert.Contains(t, buf.String(), "pull completed")
}

func TestTimer_Slow(t *testing.T) {
	var buf bytes.Buffer
	logrus.SetOutput(&buf)
	old := SlowThreshold
	SlowThreshold = 0
	t.Cleanup(func() { SlowThreshold = old })

	NewTimer("run").Stop()
	assert.Contains(t, buf.String(), "run took longer than expected")
}

func TestCounter(t *testing.T) {
	var c Counter
	n, err := io.Copy(&c, strings.NewReader("hello world"))
	require.NoError(t, err)
	assert.EqualValues(t, 11, n)
	assert.EqualValues(t, 11, c.Bytes)
}
