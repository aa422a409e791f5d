// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mesh License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package domainstorage

import (
	"bytes"
	"errors"
	"testing"
)

// storeFactory permite rodar o mesmo contrato contra RAM e filesystem.
type storeFactory struct {
	name string
	make func(t *testing.T) Store
}

func storeFactories() []storeFactory {
	return []storeFactory{
		{"ram", func(t *testing.T) Store { return NewRAMStore() }},
		{"file", func(t *testing.T) Store {
			fs, err := NewFileStore(t.TempDir())
			if err != nil {
				t.Fatalf("creating file store: %v", err)
			}
			return fs
		}},
	}
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	for _, factory := range storeFactories() {
		t.Run(factory.name, func(t *testing.T) {
			store := factory.make(t)
			q := Query{ID: 0xAB, ClassID: 7, Version: 1}

			if _, res, err := store.Load(q); err != nil || res != LoadEmpty {
				t.Fatalf("expected empty load, got res=%v err=%v", res, err)
			}

			if err := store.Save(q, []byte("object state")); err != nil {
				t.Fatalf("save: %v", err)
			}
			data, res, err := store.Load(q)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if res != LoadLoaded || !bytes.Equal(data, []byte("object state")) {
				t.Fatalf("unexpected load: res=%v data=%q", res, data)
			}

			// Substituição
			if err := store.Save(q, []byte("newer state")); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			data, _, _ = store.Load(q)
			if !bytes.Equal(data, []byte("newer state")) {
				t.Fatalf("expected overwrite, got %q", data)
			}
		})
	}
}

func TestStore_EnumerateAcrossVersions(t *testing.T) {
	for _, factory := range storeFactories() {
		t.Run(factory.name, func(t *testing.T) {
			store := factory.make(t)
			id := ObjID(0x10)

			store.Save(Query{ID: id, ClassID: 3, Version: 1}, []byte("a"))
			store.Save(Query{ID: id, ClassID: 1, Version: 2}, []byte("b"))
			store.Save(Query{ID: id, ClassID: 3, Version: 2}, []byte("c"))
			store.Save(Query{ID: 0x99, ClassID: 9, Version: 1}, []byte("other"))

			classes, err := store.Enumerate(id)
			if err != nil {
				t.Fatalf("enumerate: %v", err)
			}
			if len(classes) != 2 || classes[0] != 1 || classes[1] != 3 {
				t.Fatalf("expected sorted unique classes [1 3], got %v", classes)
			}
		})
	}
}

func TestStore_Remove(t *testing.T) {
	for _, factory := range storeFactories() {
		t.Run(factory.name, func(t *testing.T) {
			store := factory.make(t)
			q := Query{ID: 0x20, ClassID: 1, Version: 1}

			store.Save(q, []byte("doomed"))
			if err := store.Remove(q.ID); err != nil {
				t.Fatalf("remove: %v", err)
			}
			if _, res, _ := store.Load(q); res == LoadLoaded {
				t.Fatal("expected data gone after remove")
			}
		})
	}
}

func TestRAMStore_RemovedIsDistinctFromEmpty(t *testing.T) {
	store := NewRAMStore()
	q := Query{ID: 0x30, ClassID: 1, Version: 1}

	store.Save(q, []byte("x"))
	store.Remove(q.ID)

	if _, res, _ := store.Load(q); res != LoadRemoved {
		t.Fatalf("expected removed result, got %v", res)
	}
	if _, res, _ := store.Load(Query{ID: 0x31, ClassID: 1, Version: 1}); res != LoadEmpty {
		t.Fatalf("expected empty for unknown object, got %v", res)
	}
}

func TestStaticStore_ReadOnly(t *testing.T) {
	q := Query{ID: 1, ClassID: 2, Version: 3}
	store := NewStaticStore(map[Query][]byte{q: []byte("factory state")})

	data, res, err := store.Load(q)
	if err != nil || res != LoadLoaded || !bytes.Equal(data, []byte("factory state")) {
		t.Fatalf("unexpected load: %v %v %q", res, err, data)
	}

	if err := store.Save(q, []byte("nope")); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly on save, got %v", err)
	}
	if err := store.Remove(q.ID); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly on remove, got %v", err)
	}
}

func TestFileStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	q := Query{ID: 0x40, ClassID: 5, Version: 1}

	first, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	if err := first.Save(q, []byte("durable")); err != nil {
		t.Fatalf("save: %v", err)
	}

	second, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	data, res, err := second.Load(q)
	if err != nil || res != LoadLoaded || !bytes.Equal(data, []byte("durable")) {
		t.Fatalf("expected durable data, got res=%v err=%v data=%q", res, err, data)
	}
}

func TestSnapshot_ExportImportRoundTrip(t *testing.T) {
	src := NewRAMStore()
	src.Save(Query{ID: 1, ClassID: 1, Version: 1}, []byte("alpha"))
	src.Save(Query{ID: 1, ClassID: 2, Version: 1}, []byte("beta"))
	src.Save(Query{ID: 2, ClassID: 1, Version: 3}, []byte("gamma"))

	var buf bytes.Buffer
	if err := Export(src, &buf); err != nil {
		t.Fatalf("export: %v", err)
	}

	dst := NewRAMStore()
	if err := Import(dst, &buf); err != nil {
		t.Fatalf("import: %v", err)
	}

	for _, q := range []Query{
		{ID: 1, ClassID: 1, Version: 1},
		{ID: 1, ClassID: 2, Version: 1},
		{ID: 2, ClassID: 1, Version: 3},
	} {
		want, _, _ := src.Load(q)
		got, res, err := dst.Load(q)
		if err != nil || res != LoadLoaded || !bytes.Equal(got, want) {
			t.Fatalf("query %+v: expected %q, got %q (res=%v err=%v)", q, want, got, res, err)
		}
	}
}

func TestSyncStore_DelegatesAndLists(t *testing.T) {
	store := NewSyncStore(NewRAMStore())
	q := Query{ID: 5, ClassID: 5, Version: 5}

	if err := store.Save(q, []byte("wrapped")); err != nil {
		t.Fatalf("save: %v", err)
	}
	data, res, err := store.Load(q)
	if err != nil || res != LoadLoaded || !bytes.Equal(data, []byte("wrapped")) {
		t.Fatalf("unexpected load through wrapper: %v %v %q", res, err, data)
	}

	queries, err := store.Objects()
	if err != nil {
		t.Fatalf("objects: %v", err)
	}
	if len(queries) != 1 || queries[0] != q {
		t.Fatalf("expected [%+v], got %v", q, queries)
	}
}
