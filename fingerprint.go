// Package main - fingerprint.go
//
// Perceptual fingerprints of sprite rasters (64-bit pHash via
// corona10/goimagehash) compared by Hamming distance.
//
// Fingerprints serialize as "p:<16 hex digits>", the goimagehash string
// form, which is what the catalogue manifest stores.
package main

import (
	"fmt"
	"image"

	"github.com/corona10/goimagehash"
)

// Fingerprint is a fixed-width perceptual hash.
type Fingerprint struct {
	hash *goimagehash.ImageHash
}

// NewFingerprint wraps raw pHash bits
func NewFingerprint(bits uint64) Fingerprint {
	return Fingerprint{hash: goimagehash.NewImageHash(bits, goimagehash.PHash)}
}

// ParseFingerprint decodes the "p:<hex>" form
func ParseFingerprint(s string) (Fingerprint, error) {
	if len(s) < 3 || s[1] != ':' {
		return Fingerprint{}, fmt.Errorf("parse fingerprint %q: expected <kind>:<hex>", s)
	}
	h, err := goimagehash.ImageHashFromString(s)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("parse fingerprint %q: %w", s, err)
	}
	if h.GetKind() != goimagehash.PHash {
		return Fingerprint{}, fmt.Errorf("parse fingerprint %q: not a perceptual hash", s)
	}
	return Fingerprint{hash: h}, nil
}

// Valid reports whether the fingerprint holds a hash
func (f Fingerprint) Valid() bool {
	return f.hash != nil
}

// Bits returns the raw hash
func (f Fingerprint) Bits() uint64 {
	if f.hash == nil {
		return 0
	}
	return f.hash.GetHash()
}

func (f Fingerprint) String() string {
	if f.hash == nil {
		return "<none>"
	}
	return f.hash.ToString()
}

// Hasher reduces a raster to a fingerprint and compares fingerprints.
type Hasher interface {
	Fingerprint(img image.Image) (Fingerprint, error)
	Distance(a, b Fingerprint) (float64, error)
}

// PHasher is the goimagehash perception hash.
type PHasher struct{}

// Fingerprint computes the 64-bit pHash of img
func (PHasher) Fingerprint(img image.Image) (Fingerprint, error) {
	if img == nil || img.Bounds().Empty() {
		return Fingerprint{}, fmt.Errorf("empty raster")
	}
	h, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return Fingerprint{}, err
	}
	return Fingerprint{hash: h}, nil
}

// Distance returns the Hamming distance between a and b
func (PHasher) Distance(a, b Fingerprint) (float64, error) {
	if !a.Valid() || !b.Valid() {
		return 0, fmt.Errorf("distance of an empty fingerprint")
	}
	d, err := a.hash.Distance(b.hash)
	if err != nil {
		return 0, err
	}
	return float64(d), nil
}
