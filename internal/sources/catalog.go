package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/conorfennell/ankistore/internal/apkg"
)

// CatalogEntry describes one package of a deck folder.
type CatalogEntry struct {
	Folder string `json:"folder"`
	File   string `json:"file"`
	Path   string `json:"path"`
	Count  int    `json:"count"`
	Size   int64  `json:"size"`
}

// BuildCatalog counts the cards of every package below dir. Packages that
// cannot be read are logged and left out.
func BuildCatalog(ctx context.Context, dir string, logger *slog.Logger) ([]CatalogEntry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var entries []CatalogEntry
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".apkg") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		count, err := apkg.CountCards(ctx, p)
		if err != nil {
			logger.Warn("failed to count cards", "path", p, "error", err)
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		entries = append(entries, CatalogEntry{
			Folder: filepath.Base(filepath.Dir(p)),
			File:   d.Name(),
			Path:   filepath.ToSlash(rel),
			Count:  count,
			Size:   info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
	}
	slices.SortFunc(entries, func(a, b CatalogEntry) int { return strings.Compare(a.Path, b.Path) })
	logger.Info("built catalog", "dir", dir, "packages", len(entries))
	return entries, nil
}

// WriteCatalog writes entries as indented JSON.
func WriteCatalog(path string, entries []CatalogEntry) error {
	if entries == nil {
		entries = []CatalogEntry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, append(data, '\n'))
}

// UpdateCatalog rewrites the cardCount and size of every deck in the
// published catalog at catalogPath whose downloadUrl names a file in
// entries. Other keys are preserved. It returns the number of decks that
// changed; the file is only rewritten when that is non-zero.
func UpdateCatalog(catalogPath string, entries []CatalogEntry, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	data, err := os.ReadFile(catalogPath)
	if err != nil {
		return 0, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var catalog map[string]any
	if err := dec.Decode(&catalog); err != nil {
		return 0, fmt.Errorf("failed to decode catalog: %w", err)
	}
	decks, ok := catalog["decks"].([]any)
	if !ok {
		return 0, fmt.Errorf("catalog %s has no decks list", catalogPath)
	}

	byFile := make(map[string]CatalogEntry, len(entries))
	for _, e := range entries {
		byFile[e.File] = e
	}

	updated := 0
	for _, raw := range decks {
		deck, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		link, _ := deck["downloadUrl"].(string)
		e, ok := byFile[downloadName(link)]
		if !ok {
			continue
		}
		oldCount, oldSize := jsonInt(deck["cardCount"]), jsonInt(deck["size"])
		if oldCount == int64(e.Count) && oldSize == e.Size {
			continue
		}
		logger.Info("catalog entry changed",
			"name", deck["name"],
			"cards_from", oldCount, "cards_to", e.Count,
			"size_from", oldSize, "size_to", e.Size,
		)
		deck["cardCount"] = e.Count
		deck["size"] = e.Size
		updated++
	}
	if updated == 0 {
		return 0, nil
	}

	out, err := json.MarshalIndent(catalog, "", "  ")
	if err != nil {
		return 0, err
	}
	return updated, writeFileAtomic(catalogPath, append(out, '\n'))
}

// downloadName extracts the unescaped file name from a download URL.
func downloadName(link string) string {
	if u, err := url.Parse(link); err == nil {
		link = u.Path
	} else if i := strings.IndexByte(link, '?'); i >= 0 {
		link = link[:i]
	}
	name := path.Base(link)
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	return path.Base(name)
}

func jsonInt(v any) int64 {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		f, _ := n.Float64()
		return int64(f)
	case float64:
		return int64(n)
	}
	return 0
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	_, err = tmp.Write(data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
