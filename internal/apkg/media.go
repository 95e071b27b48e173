package apkg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/klauspost/compress/zip"
	"golang.org/x/sync/errgroup"

	"github.com/conorfennell/ankistore/internal/checksum"
	"github.com/conorfennell/ankistore/internal/domain"
	"github.com/conorfennell/ankistore/internal/media"
)

const defaultMediaWorkers = 4

// SkippedMedia is a manifest entry that was not extracted.
type SkippedMedia struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// stagedFile is a media blob extracted into the staging directory.
type stagedFile struct {
	name      string
	signature string
	size      int64
	// existing is set by ResolveMedia when the media directory already
	// holds identical content under name.
	existing bool
}

// readManifest decodes the media manifest, which maps archive entry names
// ("0", "1", ...) to file names. A package without media has no manifest.
func readManifest(files map[string]*zip.File) (map[string]string, error) {
	f := files[entryManifest]
	if f == nil {
		return map[string]string{}, nil
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	manifest := map[string]string{}
	if len(data) == 0 {
		return manifest, nil
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to decode media manifest: %w", err)
	}
	return manifest, nil
}

func manifestOrder(manifest map[string]string) []string {
	keys := make([]string, 0, len(manifest))
	for k := range manifest {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b string) int {
		ai, aerr := strconv.Atoi(a)
		bi, berr := strconv.Atoi(b)
		if aerr == nil && berr == nil {
			return ai - bi
		}
		if a < b {
			return -1
		}
		if a > b {
			return 1
		}
		return 0
	})
	return keys
}

// stageMedia extracts every usable blob into the staging directory. Unsafe or
// duplicate names and missing blobs are skipped and reported. Names changed
// by sanitizing are rewritten in the package's note fields.
func (r *Reader) stageMedia(ctx context.Context, pkg *Package, files map[string]*zip.File, manifest map[string]string) error {
	type job struct {
		original, name string
		blob           *zip.File
	}
	var jobs []job
	used := map[string]bool{}
	for _, key := range manifestOrder(manifest) {
		original := manifest[key]
		skip := func(reason string) {
			pkg.Skipped = append(pkg.Skipped, SkippedMedia{Name: original, Reason: reason})
		}
		if err := media.CheckTraversal(original); err != nil {
			skip(err.Error())
			continue
		}
		name := media.Sanitize(original)
		if err := domain.ValidateMediaName(name); err != nil {
			skip(err.Error())
			continue
		}
		if used[name] {
			skip("duplicate name " + name)
			continue
		}
		blob := files[key]
		if blob == nil {
			skip("missing from archive")
			continue
		}
		used[name] = true
		jobs = append(jobs, job{original: original, name: name, blob: blob})
	}

	workers := r.MediaWorkers
	if workers <= 0 {
		workers = defaultMediaWorkers
	}
	staged := make([]stagedFile, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, j := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sig, size, err := extractBlob(j.blob, filepath.Join(pkg.staging, j.name))
			if err != nil {
				return fmt.Errorf("failed to extract %s: %w", j.original, err)
			}
			staged[i] = stagedFile{name: j.name, signature: sig, size: size}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	pkg.staged = staged
	renamed := map[string]string{}
	for _, j := range jobs {
		pkg.Media[j.original] = j.name
		if j.original != j.name {
			renamed[j.original] = j.name
		}
	}
	pkg.rewriteNotes(renamed)
	return nil
}

func extractBlob(blob *zip.File, path string) (string, int64, error) {
	rc, err := blob.Open()
	if err != nil {
		return "", 0, err
	}
	defer rc.Close()
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", 0, err
	}
	sig, size, err := checksum.Signature(io.TeeReader(rc, out))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return sig, size, err
}

// ResolveMedia compares the staged files with the media directory. A staged
// file whose name is taken by different content is renamed with a signature
// suffix, and note fields are rewritten to match. Identical content is
// marked so that CommitMedia keeps the existing file.
func (p *Package) ResolveMedia(dir string) error {
	renamed := map[string]string{}
	taken := make(map[string]bool, len(p.staged))
	for _, f := range p.staged {
		taken[f.name] = true
	}
	for i, f := range p.staged {
		sig, _, err := signatureOf(filepath.Join(dir, f.name))
		switch {
		case errors.Is(err, fs.ErrNotExist):
			continue
		case err != nil:
			return &domain.FormatError{Stage: domain.StageMedia, Err: err}
		case sig == f.signature:
			p.staged[i].existing = true
			continue
		}

		name := ""
		for _, candidate := range []string{media.WithSuffix(f.name, f.signature[:8]), media.WithSuffix(f.name, f.signature)} {
			if taken[candidate] {
				continue
			}
			csig, _, err := signatureOf(filepath.Join(dir, candidate))
			if errors.Is(err, fs.ErrNotExist) || (err == nil && csig == f.signature) {
				name = candidate
				p.staged[i].existing = err == nil
				break
			}
		}
		if name == "" {
			return &domain.FormatError{Stage: domain.StageMedia, Err: fmt.Errorf("no free name for %s", f.name)}
		}
		if err := os.Rename(filepath.Join(p.staging, f.name), filepath.Join(p.staging, name)); err != nil {
			return &domain.FormatError{Stage: domain.StageMedia, Err: err}
		}
		taken[name] = true
		renamed[f.name] = name
		p.staged[i].name = name
	}
	if len(renamed) == 0 {
		return nil
	}
	for original, name := range p.Media {
		if to, ok := renamed[name]; ok {
			p.Media[original] = to
		}
	}
	p.rewriteNotes(renamed)
	return nil
}

// CommitMedia moves the staged files into dir and returns an entry for each.
// Files marked identical by ResolveMedia are left in place. The staging
// directory is removed afterwards.
func (p *Package) CommitMedia(dir string, added int64) ([]domain.MediaEntry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	entries := make([]domain.MediaEntry, 0, len(p.staged))
	for _, f := range p.staged {
		if !f.existing {
			if err := moveFile(filepath.Join(p.staging, f.name), filepath.Join(dir, f.name)); err != nil {
				return entries, fmt.Errorf("failed to commit media %s: %w", f.name, err)
			}
		}
		entries = append(entries, domain.MediaEntry{
			Filename:  f.name,
			Signature: f.signature,
			Size:      f.size,
			Added:     added,
		})
	}
	return entries, p.Discard()
}

func signatureOf(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return checksum.Signature(f)
}

// moveFile renames src to dst, copying when they are on different devices.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.CreateTemp(filepath.Dir(dst), ".incoming-*")
	if err != nil {
		return err
	}
	defer os.Remove(out.Name())
	_, err = io.Copy(out, in)
	if serr := out.Sync(); err == nil {
		err = serr
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	return os.Rename(out.Name(), dst)
}
