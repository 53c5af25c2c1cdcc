package model

import "gorm.io/datatypes"

// MergeMetadata returns a copy of base with the entries of over laid on top.
func MergeMetadata(base datatypes.JSONMap, over map[string]any) datatypes.JSONMap {
	out := make(datatypes.JSONMap, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}
