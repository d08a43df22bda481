// Package main - similarity.go
//
// Structural similarity (SSIM) between a captured sprite and its reference.
// Both rasters are converted to gray and scaled to a common size with
// golang.org/x/image/draw, then compared over 8x8 blocks; the score is the
// mean block SSIM in [-1, 1], 1 meaning identical.
package main

import (
	"image"

	xdraw "golang.org/x/image/draw"
)

const (
	ssimSize   = 64
	ssimWindow = 8
	ssimC1     = (0.01 * 255) * (0.01 * 255)
	ssimC2     = (0.03 * 255) * (0.03 * 255)
)

// grayAt scales img into a size x size gray raster
func grayAt(img image.Image, size int) *image.Gray {
	dst := image.NewGray(image.Rect(0, 0, size, size))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	return dst
}

// SSIM returns the structural similarity of a and b
func SSIM(a, b image.Image) float64 {
	if a == nil || b == nil || a.Bounds().Empty() || b.Bounds().Empty() {
		return 0
	}
	ga := grayAt(a, ssimSize)
	gb := grayAt(b, ssimSize)

	var total float64
	var blocks int
	for by := 0; by+ssimWindow <= ssimSize; by += ssimWindow {
		for bx := 0; bx+ssimWindow <= ssimSize; bx += ssimWindow {
			total += blockSSIM(ga, gb, bx, by)
			blocks++
		}
	}
	return total / float64(blocks)
}

func blockSSIM(a, b *image.Gray, x0, y0 int) float64 {
	n := float64(ssimWindow * ssimWindow)

	var sumA, sumB float64
	for y := y0; y < y0+ssimWindow; y++ {
		for x := x0; x < x0+ssimWindow; x++ {
			sumA += float64(a.GrayAt(x, y).Y)
			sumB += float64(b.GrayAt(x, y).Y)
		}
	}
	muA, muB := sumA/n, sumB/n

	var varA, varB, cov float64
	for y := y0; y < y0+ssimWindow; y++ {
		for x := x0; x < x0+ssimWindow; x++ {
			da := float64(a.GrayAt(x, y).Y) - muA
			db := float64(b.GrayAt(x, y).Y) - muB
			varA += da * da
			varB += db * db
			cov += da * db
		}
	}
	varA /= n - 1
	varB /= n - 1
	cov /= n - 1

	return ((2*muA*muB + ssimC1) * (2*cov + ssimC2)) /
		((muA*muA + muB*muB + ssimC1) * (varA + varB + ssimC2))
}
