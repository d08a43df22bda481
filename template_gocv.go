//go:build gocv

// Package main - template_gocv.go
//
// OpenCV template matching (TM_CCOEFF_NORMED) for the template battle
// indicator strategy. Selected with -tags gocv.
package main

import (
	"image"

	"gocv.io/x/gocv"
)

func grayMat(img image.Image) (gocv.Mat, error) {
	rgb, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return gocv.NewMat(), err
	}
	defer rgb.Close()

	gray := gocv.NewMat()
	gocv.CvtColor(rgb, &gray, gocv.ColorBGRToGray)
	return gray, nil
}

// matchTemplate returns the best normalized correlation of tmpl inside img; 0 when tmpl does not fit
func matchTemplate(img, tmpl image.Image) float64 {
	if tmpl.Bounds().Dx() > img.Bounds().Dx() || tmpl.Bounds().Dy() > img.Bounds().Dy() {
		return 0
	}

	src, err := grayMat(img)
	if err != nil {
		LogWarn("gocv: convert snapshot: %v", err)
		return 0
	}
	defer src.Close()

	t, err := grayMat(tmpl)
	if err != nil {
		LogWarn("gocv: convert template: %v", err)
		return 0
	}
	defer t.Close()

	result := gocv.NewMat()
	defer result.Close()
	mask := gocv.NewMat()
	defer mask.Close()

	gocv.MatchTemplate(src, t, &result, gocv.TmCcoeffNormed, mask)
	_, maxVal, _, _ := gocv.MinMaxLoc(result)
	return float64(maxVal)
}
