package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemoryIsDeleted(t *testing.T) {
	m := Memory{}
	assert.False(t, m.IsDeleted())

	now := time.Now()
	m.DeletedAt = &now
	assert.True(t, m.IsDeleted())
}

func TestMemoryExpired(t *testing.T) {
	now := time.Now()
	m := Memory{}
	assert.False(t, m.Expired(now), "no TTL set never expires")

	past := now.Add(-time.Hour)
	m.ExpiresAt = &past
	assert.True(t, m.Expired(now))

	future := now.Add(time.Hour)
	m.ExpiresAt = &future
	assert.False(t, m.Expired(now))
}
