package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gorm.io/datatypes"
)

func TestMergeMetadata(t *testing.T) {
	base := datatypes.JSONMap{"effect": "anime", "frames": 120}

	got := MergeMetadata(base, map[string]any{"frames": 240, "result": "ok"})

	assert.Equal(t, datatypes.JSONMap{"effect": "anime", "frames": 240, "result": "ok"}, got)
	assert.Equal(t, 120, base["frames"], "base must not be modified")
}

func TestMergeMetadata_Nil(t *testing.T) {
	got := MergeMetadata(nil, nil)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}
