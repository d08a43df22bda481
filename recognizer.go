// Package main - recognizer.go
//
// Creature name recognition: raster preconditioning, the Tesseract text
// recognizer and the name normalization rule.
//
// Preconditioning (applied before the recognizer sees the raster):
//  1. Grayscale conversion
//  2. Contrast stretch to the full 0-255 range
//  3. Bicubic scale-up by ocr_scale (nfnt/resize)
//  4. Binarization: pixels brighter than the threshold become black text,
//     everything else white background
//  5. White padding on every side
//
// Recognition runs single-line (PSM 7). The confidence reported is the mean
// of the word confidences Tesseract returns, 0-100.
//
// Thread Safety:
// A gosseract client must not be used concurrently. TesseractRecognizer
// serializes calls with a one-slot semaphore; a call that cannot obtain the
// slot before its timeout returns ErrRecognitionTimeout instead of waiting.
package main

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"regexp"
	"strings"
	"time"

	"github.com/nfnt/resize"
	"github.com/otiai10/gosseract"
)

// TextRecognizer returns best-effort text and a 0-100 confidence for a raster.
type TextRecognizer interface {
	RecognizeText(ctx context.Context, img image.Image) (string, float64, error)
}

// PreconditionOptions controls the raster preparation before recognition
type PreconditionOptions struct {
	Scale     int
	Threshold uint8
	Padding   int
}

// PreconditionOptionsFromConfig reads the OCR tunables
func PreconditionOptionsFromConfig(d DetectionConfig) PreconditionOptions {
	return PreconditionOptions{
		Scale:     d.OCRScale,
		Threshold: uint8(Clamp(d.OCRBinarizeThreshold, 0, 255)),
		Padding:   d.OCRPadding,
	}
}

// Precondition prepares a name raster for the recognizer.
func Precondition(img image.Image, opts PreconditionOptions) *image.Gray {
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)

	stretchContrast(gray)

	var scaled image.Image = gray
	if opts.Scale > 1 {
		scaled = resize.Resize(uint(gray.Bounds().Dx()*opts.Scale), uint(gray.Bounds().Dy()*opts.Scale), gray, resize.Bicubic)
	}

	sb := scaled.Bounds()
	pad := opts.Padding
	if pad < 0 {
		pad = 0
	}
	out := image.NewGray(image.Rect(0, 0, sb.Dx()+pad*2, sb.Dy()+pad*2))
	draw.Draw(out, out.Bounds(), image.White, image.Point{}, draw.Src)

	for y := sb.Min.Y; y < sb.Max.Y; y++ {
		for x := sb.Min.X; x < sb.Max.X; x++ {
			g := color.GrayModel.Convert(scaled.At(x, y)).(color.Gray)
			if g.Y > opts.Threshold {
				out.SetGray(x-sb.Min.X+pad, y-sb.Min.Y+pad, color.Gray{Y: 0})
			}
		}
	}
	return out
}

// stretchContrast maps the darkest pixel to 0 and the brightest to 255
func stretchContrast(img *image.Gray) {
	lo, hi := uint8(255), uint8(0)
	for _, v := range img.Pix {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if hi <= lo {
		return
	}
	span := float64(hi - lo)
	for i, v := range img.Pix {
		img.Pix[i] = uint8(float64(v-lo) * 255 / span)
	}
}

var (
	levelMarker = regexp.MustCompile(`\blvl?\s*\.?\s*\d*`)
	nonLetters  = regexp.MustCompile(`[^a-z]`)
)

// NormalizeName turns recognizer output ("MANKEY\nLv. 5") into a catalogue key ("mankey").
// Catalogue file names go through the same rule.
func NormalizeName(raw string) string {
	s := strings.ToLower(raw)
	s = levelMarker.ReplaceAllString(s, " ")
	return nonLetters.ReplaceAllString(s, "")
}

// TesseractRecognizer wraps a gosseract client.
type TesseractRecognizer struct {
	client  *gosseract.Client
	timeout time.Duration
	slot    chan struct{}
}

// NewTesseractRecognizer creates a single-line recognizer for language
func NewTesseractRecognizer(language string, timeout time.Duration) (*TesseractRecognizer, error) {
	client := gosseract.NewClient()
	if err := client.SetLanguage(language); err != nil {
		client.Close()
		return nil, fmt.Errorf("set OCR language %q: %w", language, err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_SINGLE_LINE); err != nil {
		client.Close()
		return nil, fmt.Errorf("set page segmentation mode: %w", err)
	}

	LogInfo("Tesseract initialized (language=%s, timeout=%v)", language, timeout)
	return &TesseractRecognizer{
		client:  client,
		timeout: timeout,
		slot:    make(chan struct{}, 1),
	}, nil
}

type ocrResult struct {
	text       string
	confidence float64
	err        error
}

// RecognizeText runs OCR under the configured timeout. A timeout yields
// empty text, confidence 0 and ErrRecognitionTimeout.
func (r *TesseractRecognizer) RecognizeText(ctx context.Context, img image.Image) (string, float64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	select {
	case r.slot <- struct{}{}:
	case <-ctx.Done():
		return "", 0, NewStageError("ocr", ErrRecognitionTimeout, fmt.Errorf("recognizer busy"))
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		<-r.slot
		return "", 0, NewStageError("ocr", ErrRecognitionTimeout, err)
	}

	done := make(chan ocrResult, 1)
	SafeGo("ocr", func() {
		defer func() { <-r.slot }()
		text, conf, err := r.recognize(buf.Bytes())
		done <- ocrResult{text: text, confidence: conf, err: err}
	})

	select {
	case res := <-done:
		return res.text, res.confidence, res.err
	case <-ctx.Done():
		// the call keeps the slot until Tesseract returns
		return "", 0, NewStageError("ocr", ErrRecognitionTimeout, ctx.Err())
	}
}

func (r *TesseractRecognizer) recognize(data []byte) (string, float64, error) {
	if err := r.client.SetImageFromBytes(data); err != nil {
		return "", 0, err
	}

	text, err := r.client.Text()
	if err != nil {
		return "", 0, err
	}

	boxes, err := r.client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return strings.TrimSpace(text), 0, nil
	}
	var sum float64
	for _, box := range boxes {
		sum += box.Confidence
	}
	return strings.TrimSpace(text), sum / float64(len(boxes)), nil
}

// Close releases the Tesseract handle
func (r *TesseractRecognizer) Close() error {
	return r.client.Close()
}
