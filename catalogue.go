// Package main - catalogue.go
//
// The reference fingerprint catalogue: normalized creature name -> pHash of
// the known-good sprite.
//
// Directory Layout (detection.catalogue_dir):
//
//	assets/base_sprites/
//	  pidgey.png
//	  mankey.png
//	  fingerprints.yaml   (optional)
//
// File names go through NormalizeName, so "Mr. Mime.png" is looked up as
// "mrmime". fingerprints.yaml maps names to "p:<hex>" hashes and overrides
// the hash computed from the image (the image is still kept for SSIM).
// Manifest entries without an image are usable, but cannot pass the SSIM
// confirmation gate.
//
// Unreadable images and bad manifest entries are skipped with a warning.
// The catalogue is immutable once built; reloading builds a new one which
// the pipeline swaps in while the loop is paused.
package main

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vcaesar/imgo"
	"gopkg.in/yaml.v3"
)

const manifestFile = "fingerprints.yaml"

// ReferenceFingerprint is the stored fingerprint of one known creature.
type ReferenceFingerprint struct {
	Name   string
	Hash   Fingerprint
	Image  image.Image // nil for manifest-only entries
	Source string
}

// Catalogue is a read-only set of reference fingerprints.
type Catalogue struct {
	entries map[string]ReferenceFingerprint
}

// NewCatalogue builds a catalogue; later entries with the same name win
func NewCatalogue(refs ...ReferenceFingerprint) *Catalogue {
	c := &Catalogue{entries: make(map[string]ReferenceFingerprint, len(refs))}
	for _, ref := range refs {
		c.entries[ref.Name] = ref
	}
	return c
}

// Lookup returns the reference for a normalized name
func (c *Catalogue) Lookup(name string) (ReferenceFingerprint, bool) {
	if c == nil {
		return ReferenceFingerprint{}, false
	}
	ref, ok := c.entries[name]
	return ref, ok
}

// Len returns the number of entries
func (c *Catalogue) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}

// Names returns the catalogued names in sorted order
func (c *Catalogue) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func isSpriteFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg":
		return true
	}
	return false
}

// LoadCatalogue reads every sprite in dir and applies the manifest. A
// missing directory yields an empty catalogue.
func LoadCatalogue(dir string, hasher Hasher) (*Catalogue, error) {
	timer := NewTimer("catalogue load")
	defer timer.Stop()

	files, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		LogWarn("Catalogue directory %s not found, no creature can be fingerprinted", dir)
		return NewCatalogue(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read catalogue %s: %w", dir, err)
	}

	entries := make(map[string]ReferenceFingerprint)
	for _, f := range files {
		if f.IsDir() || !isSpriteFile(f.Name()) {
			continue
		}
		path := filepath.Join(dir, f.Name())
		name := NormalizeName(strings.TrimSuffix(f.Name(), filepath.Ext(f.Name())))
		if name == "" {
			LogWarn("Skipping %s: file name has no letters", path)
			continue
		}

		img, err := imgo.Read(path)
		if err != nil {
			LogWarn("Skipping %s: %v", path, err)
			continue
		}
		hash, err := hasher.Fingerprint(img)
		if err != nil {
			LogWarn("Skipping %s: fingerprint failed: %v", path, err)
			continue
		}
		entries[name] = ReferenceFingerprint{Name: name, Hash: hash, Image: img, Source: path}
	}

	manifest, err := readManifest(filepath.Join(dir, manifestFile))
	if err != nil {
		LogWarn("Ignoring %s: %v", manifestFile, err)
	}
	for rawName, hex := range manifest {
		name := NormalizeName(rawName)
		hash, err := ParseFingerprint(hex)
		if name == "" || err != nil {
			LogWarn("Skipping manifest entry %q: %v", rawName, err)
			continue
		}
		ref := entries[name]
		ref.Name = name
		ref.Hash = hash
		if ref.Source == "" {
			ref.Source = manifestFile
		}
		entries[name] = ref
	}

	c := &Catalogue{entries: entries}
	LogInfo("Catalogue loaded from %s: %d creatures", dir, c.Len())
	return c, nil
}

func readManifest(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m map[string]string
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// WriteManifest stores every catalogue hash in dir/fingerprints.yaml
func WriteManifest(dir string, c *Catalogue) error {
	m := make(map[string]string, c.Len())
	for _, name := range c.Names() {
		ref, _ := c.Lookup(name)
		m[name] = ref.Hash.String()
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, manifestFile), data, 0644)
}
