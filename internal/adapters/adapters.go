/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package adapters resolves model adapter references into local
// directories. An adapter table maps names to either plain filesystem
// paths, which pass through untouched, or oci:// references, which are
// pulled from an OCI registry and unpacked into a digest-addressed
// cache so repeated resolutions and pool restarts reuse the same copy.
package adapters

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content/memory"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"
)

// MediaTypeAdapter is the layer media type for packed adapter weights.
const MediaTypeAdapter = "application/vnd.justnews.adapter.v1.tar+gzip"

// Ref is a parsed oci:// adapter reference.
type Ref struct {
	Registry string
	Path     string
	Tag      string
	Digest   string
}

// ParseRef parses oci://registry/path[:tag][@sha256:...] into its parts.
// The tag colon is searched after the last path separator so registry
// ports are not mistaken for tags.
func ParseRef(raw string) (*Ref, error) {
	rest := strings.TrimPrefix(raw, "oci://")
	if rest == raw {
		return nil, fmt.Errorf("adapter ref %q: missing oci:// scheme", raw)
	}
	var digest string
	if at := strings.Index(rest, "@"); at >= 0 {
		digest = rest[at+1:]
		rest = rest[:at]
		if !strings.HasPrefix(digest, "sha256:") {
			return nil, fmt.Errorf("adapter ref %q: unsupported digest %q", raw, digest)
		}
	}
	slash := strings.Index(rest, "/")
	if slash <= 0 || slash == len(rest)-1 {
		return nil, fmt.Errorf("adapter ref %q: want oci://registry/path[:tag][@digest]", raw)
	}
	ref := &Ref{Registry: rest[:slash]}
	repoPath := rest[slash+1:]
	if colon := strings.LastIndex(repoPath, ":"); colon >= 0 {
		ref.Tag = repoPath[colon+1:]
		repoPath = repoPath[:colon]
		if ref.Tag == "" {
			return nil, fmt.Errorf("adapter ref %q: empty tag", raw)
		}
	}
	if repoPath == "" {
		return nil, fmt.Errorf("adapter ref %q: empty repository path", raw)
	}
	ref.Path = repoPath
	return ref, nil
}

// String renders the reference back into oci:// form.
func (r *Ref) String() string {
	var b strings.Builder
	b.WriteString("oci://")
	b.WriteString(r.Registry)
	b.WriteString("/")
	b.WriteString(r.Path)
	if r.Tag != "" {
		b.WriteString(":")
		b.WriteString(r.Tag)
	}
	if r.Digest != "" {
		b.WriteString("@")
		b.WriteString(r.Digest)
	}
	return b.String()
}

// reference is the registry-side reference to pull. Digests win over
// tags, and an untagged reference defaults to latest.
func (r *Ref) reference() string {
	if r.Digest != "" {
		return r.Digest
	}
	if r.Tag != "" {
		return r.Tag
	}
	return "latest"
}

// ParseTable parses a comma-separated list of name=entry pairs, the
// format of the adapter path environment variable.
func ParseTable(raw string) (map[string]string, error) {
	table := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, entry, ok := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		entry = strings.TrimSpace(entry)
		if !ok || name == "" || entry == "" {
			return nil, fmt.Errorf("adapter table entry %q: want name=path or name=oci://ref", part)
		}
		table[name] = entry
	}
	return table, nil
}

// Fetcher pulls adapter artifacts and caches the unpacked layers.
type Fetcher struct {
	CacheDir  string
	PlainHTTP bool
	Username  string
	Password  string

	logger *zap.Logger

	mu       sync.Mutex
	resolved map[string]string
}

// NewFetcher creates a fetcher caching under cacheDir.
func NewFetcher(cacheDir string, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		CacheDir: cacheDir,
		logger:   logger,
		resolved: make(map[string]string),
	}
}

// WithAuth sets registry credentials.
func (f *Fetcher) WithAuth(username, password string) *Fetcher {
	f.Username = username
	f.Password = password
	return f
}

// WithPlainHTTP toggles plain HTTP for local registries.
func (f *Fetcher) WithPlainHTTP(plain bool) *Fetcher {
	f.PlainHTTP = plain
	return f
}

// Resolve turns a single adapter table entry into a local path. Entries
// without the oci:// scheme pass through unchanged.
func (f *Fetcher) Resolve(ctx context.Context, entry string) (string, error) {
	if !strings.HasPrefix(entry, "oci://") {
		return entry, nil
	}
	f.mu.Lock()
	dir, ok := f.resolved[entry]
	f.mu.Unlock()
	if ok {
		return dir, nil
	}
	ref, err := ParseRef(entry)
	if err != nil {
		return "", err
	}
	dir, err = f.pull(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("resolve adapter %s: %w", entry, err)
	}
	f.mu.Lock()
	f.resolved[entry] = dir
	f.mu.Unlock()
	return dir, nil
}

// ResolveAll resolves every entry of an adapter table, returning a table
// with the same names mapped to local paths.
func (f *Fetcher) ResolveAll(ctx context.Context, table map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(table))
	for name, entry := range table {
		dir, err := f.Resolve(ctx, entry)
		if err != nil {
			return nil, fmt.Errorf("adapter %s: %w", name, err)
		}
		out[name] = dir
	}
	return out, nil
}

func (f *Fetcher) pull(ctx context.Context, ref *Ref) (string, error) {
	if ref.Digest != "" {
		if dir := f.cachedDir(ref.Digest); dir != "" {
			return dir, nil
		}
	}

	repo, err := remote.NewRepository(ref.Registry + "/" + ref.Path)
	if err != nil {
		return "", fmt.Errorf("create repository client: %w", err)
	}
	repo.PlainHTTP = f.PlainHTTP
	if f.Username != "" {
		repo.Client = &auth.Client{
			Client: retry.DefaultClient,
			Credential: auth.StaticCredential(ref.Registry, auth.Credential{
				Username: f.Username,
				Password: f.Password,
			}),
		}
	}

	store := memory.New()
	pullRef := ref.reference()
	manifestDesc, err := oras.Copy(ctx, repo, pullRef, store, pullRef, oras.DefaultCopyOptions)
	if err != nil {
		return "", fmt.Errorf("pull artifact: %w", err)
	}

	// Tag pulls land here with the digest now known.
	if dir := f.cachedDir(manifestDesc.Digest.String()); dir != "" {
		return dir, nil
	}

	rc, err := store.Fetch(ctx, manifestDesc)
	if err != nil {
		return "", fmt.Errorf("fetch manifest: %w", err)
	}
	manifestBytes, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return "", fmt.Errorf("read manifest: %w", err)
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return "", fmt.Errorf("parse manifest: %w", err)
	}

	layer, err := adapterLayer(manifest)
	if err != nil {
		return "", err
	}
	layerRC, err := store.Fetch(ctx, layer)
	if err != nil {
		return "", fmt.Errorf("fetch adapter layer: %w", err)
	}
	defer layerRC.Close()

	if err := os.MkdirAll(f.CacheDir, 0o755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}
	tmp, err := os.MkdirTemp(f.CacheDir, "pull-")
	if err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(tmp)
	if err := extractTarGz(layerRC, tmp); err != nil {
		return "", fmt.Errorf("unpack adapter layer: %w", err)
	}

	final := f.cachePath(manifestDesc.Digest.String())
	if err := os.Rename(tmp, final); err != nil {
		// A concurrent puller may have completed the same digest first.
		if _, statErr := os.Stat(final); statErr == nil {
			return final, nil
		}
		return "", fmt.Errorf("commit adapter to cache: %w", err)
	}
	f.logger.Info("adapter pulled",
		zap.String("ref", ref.String()),
		zap.String("digest", manifestDesc.Digest.String()),
		zap.String("dir", final))
	return final, nil
}

// cachePath maps a digest to its cache directory, replacing the colon
// so the name stays portable.
func (f *Fetcher) cachePath(digest string) string {
	return filepath.Join(f.CacheDir, strings.ReplaceAll(digest, ":", "-"))
}

// cachedDir returns the cache directory for a digest if it exists.
// Staging directories are renamed into place atomically, so presence
// means the unpack completed.
func (f *Fetcher) cachedDir(digest string) string {
	path := f.cachePath(digest)
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return ""
	}
	return path
}

// adapterLayer picks the layer holding the packed weights: an exact
// media type match first, then a lone layer, then any gzip layer.
func adapterLayer(manifest ocispec.Manifest) (ocispec.Descriptor, error) {
	for _, layer := range manifest.Layers {
		if layer.MediaType == MediaTypeAdapter {
			return layer, nil
		}
	}
	if len(manifest.Layers) == 1 {
		return manifest.Layers[0], nil
	}
	for _, layer := range manifest.Layers {
		if strings.HasSuffix(layer.MediaType, "+gzip") || strings.HasSuffix(layer.MediaType, ".gzip") {
			return layer, nil
		}
	}
	return ocispec.Descriptor{}, fmt.Errorf("manifest has no adapter layer among %d layers", len(manifest.Layers))
}

// extractTarGz unpacks a gzipped tarball into dest. Entries escaping
// dest are rejected, and only directories and regular files are
// materialized.
func extractTarGz(r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}
		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create parent of %s: %w", hdr.Name, err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return fmt.Errorf("create file %s: %w", hdr.Name, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("write file %s: %w", hdr.Name, err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("close file %s: %w", hdr.Name, err)
			}
		default:
			// Symlinks and device nodes have no place in adapter
			// weights and are dropped.
		}
	}
}

// safeJoin joins name under dest and rejects traversal outside it.
func safeJoin(dest, name string) (string, error) {
	cleaned := filepath.Clean(name)
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("tar entry %q escapes extraction root", name)
	}
	return filepath.Join(dest, cleaned), nil
}
