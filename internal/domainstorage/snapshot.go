// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mesh License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package domainstorage

import (
	"archive/tar"
	"fmt"
	"io"
	"path"
	"strconv"
	"time"

	pgzip "github.com/klauspost/pgzip"
)

// ObjectLister enumera todas as queries gravadas num store. Implementado
// pelos backends que suportam snapshot.
type ObjectLister interface {
	Objects() ([]Query, error)
}

// Export grava um snapshot completo do store como um tar comprimido com
// gzip paralelo. O layout das entradas espelha o FileStore.
func Export(store Store, w io.Writer) error {
	lister, ok := store.(ObjectLister)
	if !ok {
		return fmt.Errorf("domainstorage: store does not support snapshot export")
	}
	queries, err := lister.Objects()
	if err != nil {
		return fmt.Errorf("listing objects: %w", err)
	}

	gz := pgzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	for _, q := range queries {
		data, res, err := store.Load(q)
		if err != nil {
			return fmt.Errorf("loading object %s: %w", q.ID, err)
		}
		if res != LoadLoaded {
			continue
		}
		hdr := &tar.Header{
			Name: snapshotEntryName(q),
			Mode: 0644,
			Size: int64(len(data)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("writing tar header: %w", err)
		}
		if _, err := tw.Write(data); err != nil {
			return fmt.Errorf("writing tar entry: %w", err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("closing gzip writer: %w", err)
	}
	return nil
}

// Import repõe num store as entradas de um snapshot gerado por Export.
func Import(store Store, r io.Reader) error {
	gz, err := pgzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("opening gzip reader: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar entry: %w", err)
		}
		q, err := parseSnapshotEntry(hdr.Name)
		if err != nil {
			return err
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return fmt.Errorf("reading entry data: %w", err)
		}
		if err := store.Save(q, data); err != nil {
			return fmt.Errorf("restoring object %s: %w", q.ID, err)
		}
	}
}

// SnapshotName gera um nome de arquivo de snapshot com timestamp UTC.
func SnapshotName(now time.Time) string {
	return "nmesh-state-" + now.UTC().Format("2006-01-02T15-04-05") + ".tar.gz"
}

func snapshotEntryName(q Query) string {
	return path.Join("state",
		strconv.Itoa(int(q.Version)),
		q.ID.String(),
		strconv.FormatUint(uint64(q.ClassID), 10),
	)
}

func parseSnapshotEntry(name string) (Query, error) {
	var version int
	var id uint32
	var classID uint32
	n, err := fmt.Sscanf(name, "state/%d/%08x/%d", &version, &id, &classID)
	if err != nil || n != 3 {
		return Query{}, fmt.Errorf("domainstorage: invalid snapshot entry %q", name)
	}
	return Query{ID: ObjID(id), ClassID: classID, Version: uint8(version)}, nil
}
