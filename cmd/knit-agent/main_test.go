package main

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadNodeID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "node-id")

	id, err := loadNodeID("explicit", path)
	require.NoError(t, err)
	assert.Equal(t, "explicit", id)

	first, err := loadNodeID("", path)
	require.NoError(t, err)
	_, err = uuid.Parse(first)
	require.NoError(t, err)

	again, err := loadNodeID("", path)
	require.NoError(t, err)
	assert.Equal(t, first, again)
}
