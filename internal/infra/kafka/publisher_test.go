package kafka

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitCSV(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, splitCSV(" a:9092, ,b:9092 "))
	assert.Empty(t, splitCSV(""))
}

func TestNewPublisher(t *testing.T) {
	_, err := NewPublisher("", "events")
	assert.Error(t, err)

	_, err = NewPublisher("localhost:9092", "")
	assert.Error(t, err)

	p, err := NewPublisher("localhost:9092", "investigation-events")
	require.NoError(t, err)
	assert.Equal(t, "investigation-events", p.writer.Topic)
	assert.NoError(t, p.Close())
}
