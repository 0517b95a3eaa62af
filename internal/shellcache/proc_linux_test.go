//go:build linux

package shellcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProcessRSSBytes(t *testing.T) {
	rss, ok := processRSSBytes()
	assert.True(t, ok)
	assert.Greater(t, rss, uint64(1<<20))
}
