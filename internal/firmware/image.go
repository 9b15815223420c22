// Package firmware loads a firmware image and its JSON metadata sidecar,
// the data a Local Image Planner needs to answer status reports.
package firmware

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Meta is the JSON sidecar describing a firmware image on disk, written by
// the "generate" CLI subcommand and read back by the Local Image source.
type Meta struct {
	Version string `json:"version"`
	Size    int    `json:"size"`
	File    string `json:"file"`
}

// Image is a firmware image loaded fully into memory for a session.
type Image struct {
	Version []byte
	Bytes   []byte
}

// Size returns the number of bytes in the image.
func (img *Image) Size() int { return len(img.Bytes) }

// WriteMeta computes a Meta for the file at path and writes it as JSON to
// metaPath, mirroring FirmwareFileMeta::new in the original implementation.
func WriteMeta(version, path, metaPath string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat firmware file: %w", err)
	}

	meta := Meta{
		Version: version,
		Size:    int(info.Size()),
		File:    path,
	}

	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal firmware metadata: %w", err)
	}

	if err := os.WriteFile(metaPath, data, 0644); err != nil {
		return fmt.Errorf("write firmware metadata: %w", err)
	}
	return nil
}

// LoadMeta reads a Meta sidecar from metaPath, mirroring FirmwareFileMeta::from_file.
func LoadMeta(metaPath string) (*Meta, error) {
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, fmt.Errorf("read firmware metadata: %w", err)
	}

	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse firmware metadata: %w", err)
	}
	return &meta, nil
}

// Load reads the Meta sidecar at metaPath and the image bytes it describes,
// resolving a relative File field against metaPath's directory.
func Load(metaPath string) (*Image, error) {
	meta, err := LoadMeta(metaPath)
	if err != nil {
		return nil, err
	}

	filePath := meta.File
	if !filepath.IsAbs(filePath) {
		filePath = filepath.Join(filepath.Dir(metaPath), filePath)
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read firmware image: %w", err)
	}
	if len(data) != meta.Size {
		return nil, fmt.Errorf("firmware image size mismatch: metadata says %d bytes, file has %d", meta.Size, len(data))
	}

	return &Image{Version: []byte(meta.Version), Bytes: data}, nil
}
