// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mesh License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package domainstorage

import "sort"

// versionMap indexa dado serializado por versão.
type versionMap map[uint8][]byte

// classMap indexa versionMaps por class id.
type classMap map[uint32]versionMap

// RAMStore guarda os objetos em memória. Objetos removidos continuam
// marcados para que Load distinga "nunca existiu" de "removido".
type RAMStore struct {
	state   map[ObjID]classMap
	removed map[ObjID]bool
}

// NewRAMStore cria um RAMStore vazio.
func NewRAMStore() *RAMStore {
	return &RAMStore{
		state:   make(map[ObjID]classMap),
		removed: make(map[ObjID]bool),
	}
}

// Save implementa Store.
func (s *RAMStore) Save(q Query, data []byte) error {
	classes, ok := s.state[q.ID]
	if !ok {
		classes = make(classMap)
		s.state[q.ID] = classes
	}
	versions, ok := classes[q.ClassID]
	if !ok {
		versions = make(versionMap)
		classes[q.ClassID] = versions
	}
	versions[q.Version] = append([]byte(nil), data...)
	delete(s.removed, q.ID)
	return nil
}

// Load implementa Store.
func (s *RAMStore) Load(q Query) ([]byte, LoadResult, error) {
	classes, ok := s.state[q.ID]
	if !ok {
		if s.removed[q.ID] {
			return nil, LoadRemoved, nil
		}
		return nil, LoadEmpty, nil
	}
	data, ok := classes[q.ClassID][q.Version]
	if !ok {
		return nil, LoadEmpty, nil
	}
	return append([]byte(nil), data...), LoadLoaded, nil
}

// Enumerate implementa Store.
func (s *RAMStore) Enumerate(id ObjID) ([]uint32, error) {
	classes, ok := s.state[id]
	if !ok {
		return nil, nil
	}
	list := make([]uint32, 0, len(classes))
	for classID := range classes {
		list = append(list, classID)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list, nil
}

// Objects implementa ObjectLister.
func (s *RAMStore) Objects() ([]Query, error) {
	var queries []Query
	for id, classes := range s.state {
		for classID, versions := range classes {
			for version := range versions {
				queries = append(queries, Query{ID: id, ClassID: classID, Version: version})
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

// Remove implementa Store.
func (s *RAMStore) Remove(id ObjID) error {
	delete(s.state, id)
	s.removed[id] = true
	return nil
}
