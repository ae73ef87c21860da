package testutil

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// CBZEntry is one file inside a fixture archive.
type CBZEntry struct {
	Name string
	Body []byte
}

// Page returns a small fake JPEG page entry.
func Page(n int) CBZEntry {
	return CBZEntry{
		Name: fmt.Sprintf("page%03d.jpg", n),
		Body: []byte{0xFF, 0xD8, 0xFF, 0xE0, byte(n)},
	}
}

// ComicInfoEntry returns a ComicInfo.xml entry with the given body.
func ComicInfoEntry(body string) CBZEntry {
	return CBZEntry{Name: "ComicInfo.xml", Body: []byte(body)}
}

// WriteCBZ creates a zip archive at path (and its parent directories) holding
// entries in order. With no entries a single page is written.
func WriteCBZ(t testing.TB, path string, entries ...CBZEntry) string {
	t.Helper()
	if len(entries) == 0 {
		entries = []CBZEntry{Page(1)}
	}

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	f, err := os.Create(path)
	require.NoError(t, err)

	zw := zip.NewWriter(f)
	for _, e := range entries {
		w, err := zw.Create(e.Name)
		require.NoError(t, err)
		_, err = w.Write(e.Body)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

// WriteGarbage creates a file at path that is not a zip archive.
func WriteGarbage(t testing.TB, path string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("this is not a zip archive"), 0644))
	return path
}

// CBZEntryNames lists the entry names of the archive at path in order.
func CBZEntryNames(t testing.TB, path string) []string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()

	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names
}

// ReadCBZEntry returns the decompressed body of the named entry.
func ReadCBZEntry(t testing.TB, path, name string) []byte {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		defer rc.Close()
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		return body
	}
	t.Fatalf("entry %s not found in %s", name, path)
	return nil
}

// CountEntries returns how many entries in the archive are named name.
func CountEntries(t testing.TB, path, name string) int {
	t.Helper()
	n := 0
	for _, entry := range CBZEntryNames(t, path) {
		if entry == name {
			n++
		}
	}
	return n
}
