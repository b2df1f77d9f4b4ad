// Package detect finds point sources on a reference frame and recenters
// nominal apertures onto them. It implements the minimum needed for
// aperture placement: sigma-clipped background estimation, thresholding
// and flux-weighted centroiding of connected pixel groups.
package detect

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"photpipe/internal/fits"
	"photpipe/internal/region"
)

// Source is a detected object position in pixel coordinates.
type Source struct {
	X    float64
	Y    float64
	Flux float64
}

const (
	clipIterations = 5
	clipSigma      = 3.0
	minPixels      = 4 // reject single-pixel hits (cosmics, hot pixels)
)

// Extract detects sources brighter than bg + sigma*rms on the image.
// Results are sorted brightest first.
func Extract(img *fits.Image, sigma float64) ([]Source, error) {
	if sigma <= 0 {
		return nil, fmt.Errorf("background sigma must be positive, got %g", sigma)
	}
	bg, rms := clippedBackground(img.Data)
	threshold := float32(bg + sigma*rms)

	w, h := img.Width, img.Height
	visited := make([]bool, len(img.Data))
	var sources []Source

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			if visited[i] || img.Data[i] <= threshold {
				continue
			}
			src, npix := growSource(img, visited, x, y, threshold, float32(bg))
			if npix >= minPixels {
				sources = append(sources, src)
			}
		}
	}

	sort.Slice(sources, func(i, j int) bool { return sources[i].Flux > sources[j].Flux })
	return sources, nil
}

// growSource flood-fills the above-threshold group containing (x0,y0)
// and returns its background-subtracted flux-weighted centroid.
func growSource(img *fits.Image, visited []bool, x0, y0 int, threshold, bg float32) (Source, int) {
	w, h := img.Width, img.Height
	stack := [][2]int{{x0, y0}}
	var sumF, sumX, sumY float64
	npix := 0

	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		x, y := p[0], p[1]
		if x < 0 || x >= w || y < 0 || y >= h {
			continue
		}
		i := y*w + x
		if visited[i] || img.Data[i] <= threshold {
			continue
		}
		visited[i] = true
		npix++
		f := float64(img.Data[i] - bg)
		sumF += f
		sumX += f * float64(x)
		sumY += f * float64(y)
		stack = append(stack,
			[2]int{x + 1, y}, [2]int{x - 1, y},
			[2]int{x, y + 1}, [2]int{x, y - 1})
	}

	if sumF <= 0 {
		return Source{}, 0
	}
	return Source{X: sumX / sumF, Y: sumY / sumF, Flux: sumF}, npix
}

// clippedBackground iteratively rejects outliers above clipSigma to
// estimate the sky level and its scatter.
func clippedBackground(data []float32) (mean, rms float64) {
	vals := make([]float64, len(data))
	for i, v := range data {
		vals[i] = float64(v)
	}
	for iter := 0; iter < clipIterations; iter++ {
		mean, rms = stat.MeanStdDev(vals, nil)
		if rms == 0 || math.IsNaN(rms) {
			return mean, 0
		}
		kept := vals[:0]
		for _, v := range vals {
			if math.Abs(v-mean) <= clipSigma*rms {
				kept = append(kept, v)
			}
		}
		if len(kept) == len(vals) {
			break
		}
		vals = kept
	}
	return mean, rms
}

// Recenter moves each aperture to the nearest detected source within
// maxSep pixels. Apertures with no match keep their nominal position.
// The returned set has the same length and order as the input.
func Recenter(set region.Set, sources []Source, maxSep float64) region.Set {
	out := make(region.Set, len(set))
	copy(out, set)
	for i := range out {
		best := -1
		bestDist := maxSep
		for j, s := range sources {
			d := math.Hypot(s.X-out[i].X, s.Y-out[i].Y)
			if d <= bestDist {
				best = j
				bestDist = d
			}
		}
		if best >= 0 {
			out[i].X = sources[best].X
			out[i].Y = sources[best].Y
		}
	}
	return out
}
