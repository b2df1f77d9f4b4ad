package calib

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"photpipe/internal/fits"
)

// Region is a detector subsection in zero-based, half-open pixel
// coordinates.
type Region struct {
	X0, X1 int // columns [X0, X1)
	Y0, Y1 int // rows [Y0, Y1)
}

var regionRe = regexp.MustCompile(`^\[(\d+):(\d+),(\d+):(\d+)\]$`)

// ParseRegion parses a FITS-style section "[x1:x2,y1:y2]" (one-based,
// inclusive) into a Region.
func ParseRegion(spec string) (Region, error) {
	m := regionRe.FindStringSubmatch(spec)
	if m == nil {
		return Region{}, fmt.Errorf("malformed section %q, want [x1:x2,y1:y2]", spec)
	}
	v := make([]int, 4)
	for i := 0; i < 4; i++ {
		n, err := strconv.Atoi(m[i+1])
		if err != nil || n < 1 {
			return Region{}, fmt.Errorf("malformed section %q: bad bound %q", spec, m[i+1])
		}
		v[i] = n
	}
	if v[0] > v[1] || v[2] > v[3] {
		return Region{}, fmt.Errorf("malformed section %q: inverted range", spec)
	}
	return Region{X0: v[0] - 1, X1: v[1], Y0: v[2] - 1, Y1: v[3]}, nil
}

// SubtractOverscan subtracts the per-row median of the overscan columns
// from every pixel of that row, in place. Rows outside the overscan's
// Y range use the overall overscan median.
func SubtractOverscan(img *fits.Image, osc Region) error {
	if osc.X1 > img.Width || osc.Y1 > img.Height {
		return fmt.Errorf("overscan [%d:%d,%d:%d] outside %dx%d frame",
			osc.X0+1, osc.X1, osc.Y0+1, osc.Y1, img.Width, img.Height)
	}

	var all []float64
	rowBias := make([]float64, img.Height)
	buf := make([]float64, 0, osc.X1-osc.X0)
	for y := 0; y < img.Height; y++ {
		if y < osc.Y0 || y >= osc.Y1 {
			rowBias[y] = 0 // filled with the global value below
			continue
		}
		buf = buf[:0]
		for x := osc.X0; x < osc.X1; x++ {
			buf = append(buf, float64(img.Data[y*img.Width+x]))
		}
		rowBias[y] = median(buf)
		all = append(all, buf...)
	}
	global := median(all)
	for y := 0; y < img.Height; y++ {
		bias := rowBias[y]
		if y < osc.Y0 || y >= osc.Y1 {
			bias = global
		}
		row := img.Data[y*img.Width : (y+1)*img.Width]
		for x := range row {
			row[x] -= float32(bias)
		}
	}
	return nil
}

// median returns the middle value, averaging the two central samples
// for even lengths. The input is sorted in place.
func median(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	sort.Float64s(v)
	n := len(v)
	if n%2 == 1 {
		return v[n/2]
	}
	return 0.5 * (v[n/2-1] + v[n/2])
}
