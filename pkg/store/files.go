package store

import (
	"encoding/json"

	"r3chat/pkg/models"
)

func fileKey(id string) string { return "file:" + id }

// SaveFileMeta records an uploaded file's metadata. The blob itself
// lives on disk under the configured blob directory.
func SaveFileMeta(f models.FileMeta) error {
	if db == nil {
		return errNotOpen
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return set(fileKey(f.ID), data)
}

// GetFileMeta loads file metadata by id.
func GetFileMeta(id string) (models.FileMeta, error) {
	if db == nil {
		return models.FileMeta{}, errNotOpen
	}
	data, err := get(fileKey(id))
	if err != nil {
		return models.FileMeta{}, err
	}
	var f models.FileMeta
	if err := json.Unmarshal(data, &f); err != nil {
		return models.FileMeta{}, err
	}
	return f, nil
}
