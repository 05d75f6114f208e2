package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "500µs", formatDuration(500*time.Microsecond))
	assert.Equal(t, "250ms", formatDuration(250*time.Millisecond))
	assert.Equal(t, "1.5s", formatDuration(1500*time.Millisecond))
}

func TestIsTextBody(t *testing.T) {
	assert.True(t, isTextBody([]byte("hello world")))
	assert.True(t, isTextBody([]byte(`{"ok":true}`)))
	assert.False(t, isTextBody(nil))
	assert.False(t, isTextBody([]byte{0xff, 0xfe, 0x00, 0x01, 0x02}))
}

func TestNewDisplayDoesNotPanic(t *testing.T) {
	d := NewDisplay("http://localhost:8080", true)
	assert.NotNil(t, d)
}
