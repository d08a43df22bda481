package main

import (
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func TestLoadCatalogue(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "Pidgey.png"), patternImage(32, 32, 1))
	writePNG(t, filepath.Join(dir, "Mr. Mime.png"), patternImage(32, 32, 2))
	if err := os.WriteFile(filepath.Join(dir, "broken.png"), []byte("not a png"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644); err != nil {
		t.Fatal(err)
	}
	writePNG(t, filepath.Join(dir, "123.png"), patternImage(8, 8, 3))

	c, err := LoadCatalogue(dir, PHasher{})
	if err != nil {
		t.Fatalf("LoadCatalogue: %v", err)
	}
	if names := c.Names(); len(names) != 2 || names[0] != "mrmime" || names[1] != "pidgey" {
		t.Fatalf("names = %v", names)
	}
	ref, ok := c.Lookup("pidgey")
	if !ok || !ref.Hash.Valid() || ref.Image == nil || ref.Source != filepath.Join(dir, "Pidgey.png") {
		t.Errorf("pidgey = %+v", ref)
	}

	want, _ := PHasher{}.Fingerprint(patternImage(32, 32, 1))
	if ref.Hash.Bits() != want.Bits() {
		t.Errorf("hash = %s, want %s", ref.Hash, want)
	}
}

func TestLoadCatalogueMissingDir(t *testing.T) {
	c, err := LoadCatalogue(filepath.Join(t.TempDir(), "absent"), PHasher{})
	if err != nil || c.Len() != 0 {
		t.Errorf("catalogue = %d entries, err %v", c.Len(), err)
	}
}

func TestManifestOverridesAndAdds(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "pidgey.png"), patternImage(32, 32, 1))
	manifest := "pidgey: p:00000000000000ff\nRattata: p:0000000000000f0f\nbad: nonsense\n"
	if err := os.WriteFile(filepath.Join(dir, manifestFile), []byte(manifest), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := LoadCatalogue(dir, PHasher{})
	if err != nil {
		t.Fatal(err)
	}
	if c.Len() != 2 {
		t.Fatalf("names = %v", c.Names())
	}
	pidgey, _ := c.Lookup("pidgey")
	if pidgey.Hash.Bits() != 0xff || pidgey.Image == nil {
		t.Errorf("pidgey = %s image=%v", pidgey.Hash, pidgey.Image != nil)
	}
	rattata, ok := c.Lookup("rattata")
	if !ok || rattata.Image != nil || rattata.Source != manifestFile || rattata.Hash.Bits() != 0x0f0f {
		t.Errorf("rattata = %+v", rattata)
	}
}

func TestWriteManifest(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sprites")
	c := NewCatalogue(
		ReferenceFingerprint{Name: "pidgey", Hash: NewFingerprint(0xabc)},
		ReferenceFingerprint{Name: "mankey", Hash: NewFingerprint(0x123)},
	)
	if err := WriteManifest(dir, c); err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}

	loaded, err := LoadCatalogue(dir, PHasher{})
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"pidgey", "mankey"} {
		want, _ := c.Lookup(name)
		got, ok := loaded.Lookup(name)
		if !ok || got.Hash.Bits() != want.Hash.Bits() {
			t.Errorf("%s = %v, want %s", name, got.Hash, want.Hash)
		}
	}
}

func TestNilCatalogue(t *testing.T) {
	var c *Catalogue
	if _, ok := c.Lookup("pidgey"); ok || c.Len() != 0 || c.Names() != nil {
		t.Error("nil catalogue is not empty")
	}
}
