// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mesh License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package domainstorage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/klauspost/compress/zstd"
)

// FileStore persiste objetos no filesystem, um arquivo por
// {versão, objeto, classe}, comprimido com zstd:
// {base}/state/{version}/{obj_id}/{class_id}
type FileStore struct {
	base    string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewFileStore cria o storage em baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(baseDir, "state"), 0755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &FileStore{base: baseDir, encoder: encoder, decoder: decoder}, nil
}

func (s *FileStore) objDir(version uint8, id ObjID) string {
	return filepath.Join(s.base, "state", strconv.Itoa(int(version)), id.String())
}

// Save implementa Store. A escrita é atômica: tmp → rename.
func (s *FileStore) Save(q Query, data []byte) error {
	dir := s.objDir(q.Version, q.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating object directory: %w", err)
	}

	compressed := s.encoder.EncodeAll(data, nil)

	tmp, err := os.CreateTemp(dir, ".obj-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp object file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing object data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp object file: %w", err)
	}

	final := filepath.Join(dir, strconv.FormatUint(uint64(q.ClassID), 10))
	if err := os.Rename(tmpPath, final); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming object file: %w", err)
	}
	return nil
}

// Load implementa Store.
func (s *FileStore) Load(q Query) ([]byte, LoadResult, error) {
	path := filepath.Join(s.objDir(q.Version, q.ID), strconv.FormatUint(uint64(q.ClassID), 10))
	compressed, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, LoadEmpty, nil
		}
		return nil, LoadEmpty, fmt.Errorf("reading object file: %w", err)
	}
	data, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, LoadEmpty, fmt.Errorf("decompressing object %s: %w", q.ID, err)
	}
	return data, LoadLoaded, nil
}

// Enumerate implementa Store: coleta class ids em todas as versões.
func (s *FileStore) Enumerate(id ObjID) ([]uint32, error) {
	stateDir := filepath.Join(s.base, "state")
	versions, err := os.ReadDir(stateDir)
	if err != nil {
		return nil, fmt.Errorf("reading state directory: %w", err)
	}

	seen := make(map[uint32]bool)
	for _, versionDir := range versions {
		if !versionDir.IsDir() {
			continue
		}
		objDir := filepath.Join(stateDir, versionDir.Name(), id.String())
		files, err := os.ReadDir(objDir)
		if err != nil {
			continue
		}
		for _, f := range files {
			classID, err := strconv.ParseUint(f.Name(), 10, 32)
			if err != nil {
				continue
			}
			seen[uint32(classID)] = true
		}
	}

	list := make([]uint32, 0, len(seen))
	for classID := range seen {
		list = append(list, classID)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list, nil
}

// Objects implementa ObjectLister: varre o diretório de estado inteiro.
func (s *FileStore) Objects() ([]Query, error) {
	stateDir := filepath.Join(s.base, "state")
	versions, err := os.ReadDir(stateDir)
	if err != nil {
		return nil, fmt.Errorf("reading state directory: %w", err)
	}

	var queries []Query
	for _, versionDir := range versions {
		if !versionDir.IsDir() {
			continue
		}
		version, err := strconv.ParseUint(versionDir.Name(), 10, 8)
		if err != nil {
			continue
		}
		objs, err := os.ReadDir(filepath.Join(stateDir, versionDir.Name()))
		if err != nil {
			continue
		}
		for _, objDir := range objs {
			if !objDir.IsDir() {
				continue
			}
			id, err := strconv.ParseUint(objDir.Name(), 16, 32)
			if err != nil {
				continue
			}
			files, err := os.ReadDir(filepath.Join(stateDir, versionDir.Name(), objDir.Name()))
			if err != nil {
				continue
			}
			for _, f := range files {
				classID, err := strconv.ParseUint(f.Name(), 10, 32)
				if err != nil {
					continue
				}
				queries = append(queries, Query{
					ID:      ObjID(id),
					ClassID: uint32(classID),
					Version: uint8(version),
				})
			}
		}
	}

	sort.Slice(queries, func(i, j int) bool {
		a, b := queries[i], queries[j]
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		if a.ClassID != b.ClassID {
			return a.ClassID < b.ClassID
		}
		return a.Version < b.Version
	})
	return queries, nil
}

// Remove implementa Store: descarta o objeto em todas as versões.
func (s *FileStore) Remove(id ObjID) error {
	stateDir := filepath.Join(s.base, "state")
	versions, err := os.ReadDir(stateDir)
	if err != nil {
		return fmt.Errorf("reading state directory: %w", err)
	}
	for _, versionDir := range versions {
		if !versionDir.IsDir() {
			continue
		}
		objDir := filepath.Join(stateDir, versionDir.Name(), id.String())
		if err := os.RemoveAll(objDir); err != nil {
			return fmt.Errorf("removing object directory: %w", err)
		}
	}
	return nil
}
