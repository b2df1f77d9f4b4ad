// Package align measures frame-to-frame translation against a fixed
// reference frame. Each image is collapsed to its marginal X and Y
// profiles; the shift on each axis is the cross-correlation peak of
// the frame profile against the reference profile, refined to
// sub-pixel precision with a parabolic fit.
package align

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"photpipe/internal/fits"
)

// Shift is a measured (x, y) translation in pixels.
type Shift struct {
	X float64
	Y float64
}

// Aligner holds the reference profiles. It is read-only after New and
// safe for concurrent Measure calls.
type Aligner struct {
	refX   []float64
	refY   []float64
	width  int
	height int
	maxLag int
}

// New builds an aligner from the reference frame.
func New(ref *fits.Image) (*Aligner, error) {
	if ref.Width < 8 || ref.Height < 8 {
		return nil, fmt.Errorf("reference frame %dx%d too small to align", ref.Width, ref.Height)
	}
	px, py := profiles(ref)
	maxLag := ref.Width / 4
	if ref.Height/4 < maxLag {
		maxLag = ref.Height / 4
	}
	return &Aligner{
		refX:   px,
		refY:   py,
		width:  ref.Width,
		height: ref.Height,
		maxLag: maxLag,
	}, nil
}

// Measure returns the shift of img relative to the reference frame.
// A feature at reference position p appears at p + shift on img.
func (a *Aligner) Measure(img *fits.Image) (Shift, error) {
	if img.Width != a.width || img.Height != a.height {
		return Shift{}, fmt.Errorf("frame %s is %dx%d, reference is %dx%d",
			img.Path, img.Width, img.Height, a.width, a.height)
	}
	px, py := profiles(img)
	sx := correlate(a.refX, px, a.maxLag)
	sy := correlate(a.refY, py, a.maxLag)
	return Shift{X: sx, Y: sy}, nil
}

// profiles collapses the image to background-subtracted, normalised
// marginal sums along each axis.
func profiles(img *fits.Image) (px, py []float64) {
	px = make([]float64, img.Width)
	py = make([]float64, img.Height)
	for y := 0; y < img.Height; y++ {
		row := img.Data[y*img.Width : (y+1)*img.Width]
		for x, v := range row {
			px[x] += float64(v)
			py[y] += float64(v)
		}
	}
	normalise(px)
	normalise(py)
	return px, py
}

func normalise(p []float64) {
	mean := stat.Mean(p, nil)
	floats.AddConst(-mean, p)
	norm := floats.Norm(p, 2)
	if norm > 0 {
		floats.Scale(1/norm, p)
	}
}

// correlate returns the lag maximising the cross-correlation of frame
// against ref, with parabolic sub-pixel refinement around the peak.
func correlate(ref, frame []float64, maxLag int) float64 {
	n := len(ref)
	bestLag := 0
	bestVal := math.Inf(-1)
	vals := make([]float64, 2*maxLag+1)

	for lag := -maxLag; lag <= maxLag; lag++ {
		var c float64
		for i := 0; i < n; i++ {
			j := i + lag
			if j < 0 || j >= n {
				continue
			}
			c += ref[i] * frame[j]
		}
		vals[lag+maxLag] = c
		if c > bestVal {
			bestVal = c
			bestLag = lag
		}
	}

	shift := float64(bestLag)
	// Parabolic refinement needs both neighbours inside the search range.
	k := bestLag + maxLag
	if k > 0 && k < len(vals)-1 {
		y0, y1, y2 := vals[k-1], vals[k], vals[k+1]
		denom := y0 - 2*y1 + y2
		if denom != 0 {
			delta := 0.5 * (y0 - y2) / denom
			if math.Abs(delta) < 1 {
				shift += delta
			}
		}
	}
	return shift
}
