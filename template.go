//go:build !gocv

// Package main - template.go
//
// Pure Go template matching for the template battle indicator strategy.
// The score is the best zero-mean normalized cross-correlation of the
// template over every placement inside the snapshot, in [-1, 1].
// Build with -tags gocv to use OpenCV instead (template_gocv.go).
package main

import (
	"image"
	"image/draw"
	"math"
)

func toGray(img image.Image) *image.Gray {
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(g, g.Bounds(), img, b.Min, draw.Src)
	return g
}

// matchTemplate returns the best NCC score of tmpl inside img; 0 when tmpl does not fit
func matchTemplate(img, tmpl image.Image) float64 {
	src := toGray(img)
	t := toGray(tmpl)
	tw, th := t.Bounds().Dx(), t.Bounds().Dy()
	sw, sh := src.Bounds().Dx(), src.Bounds().Dy()
	if tw == 0 || th == 0 || tw > sw || th > sh {
		return 0
	}

	n := float64(tw * th)
	var tSum float64
	for _, v := range t.Pix {
		tSum += float64(v)
	}
	tMean := tSum / n
	var tVar float64
	tDev := make([]float64, len(t.Pix))
	for i, v := range t.Pix {
		tDev[i] = float64(v) - tMean
		tVar += tDev[i] * tDev[i]
	}

	best := -1.0
	for oy := 0; oy+th <= sh; oy++ {
		for ox := 0; ox+tw <= sw; ox++ {
			var sSum float64
			for y := 0; y < th; y++ {
				row := src.Pix[(oy+y)*src.Stride+ox : (oy+y)*src.Stride+ox+tw]
				for _, v := range row {
					sSum += float64(v)
				}
			}
			sMean := sSum / n

			var cross, sVar float64
			for y := 0; y < th; y++ {
				row := src.Pix[(oy+y)*src.Stride+ox : (oy+y)*src.Stride+ox+tw]
				for x, v := range row {
					d := float64(v) - sMean
					cross += d * tDev[y*tw+x]
					sVar += d * d
				}
			}

			var score float64
			switch {
			case sVar == 0 && tVar == 0:
				// both flat: equal brightness is a match
				if math.Abs(sMean-tMean) < 1 {
					score = 1
				}
			case sVar == 0 || tVar == 0:
				score = 0
			default:
				score = cross / math.Sqrt(sVar*tVar)
			}
			if score > best {
				best = score
			}
		}
	}
	return best
}
