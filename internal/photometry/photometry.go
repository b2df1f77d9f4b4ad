// Package photometry measures star fluxes with fixed circular apertures
// and a local sky annulus, and persists one record per star per radius
// per frame. Aperture positions are the run's fixed reference positions;
// the per-frame shift is applied here, never written back to the set.
package photometry

import (
	"fmt"
	"log/slog"
	"math"
	"sort"

	"photpipe/internal/align"
	"photpipe/internal/display"
	"photpipe/internal/reduce"
	"photpipe/internal/region"
	"photpipe/internal/storage"
)

// Photometer extracts and stores aperture photometry.
type Photometer struct {
	store       *storage.Store
	radii       []float64
	gain        float64 // e-/ADU
	sink        display.Sink
	drawRegions bool
	indexOffset int
	log         *slog.Logger
}

// New builds a Photometer. gain must be positive; radii must be
// non-empty (both validated at config load).
func New(store *storage.Store, radii []float64, gain float64, sink display.Sink, drawRegions bool, indexOffset int, log *slog.Logger) *Photometer {
	return &Photometer{
		store:       store,
		radii:       radii,
		gain:        gain,
		sink:        sink,
		drawRegions: drawRegions,
		indexOffset: indexOffset,
		log:         log,
	}
}

// Measure photometers one corrected frame at every aperture and radius
// and persists the results keyed by the frame path.
func (p *Photometer) Measure(frame *reduce.CorrectedFrame, shift align.Shift, apertures region.Set) error {
	recs := make([]storage.PhotRecord, 0, len(apertures)*len(p.radii))

	for star, ap := range apertures {
		x := ap.X + shift.X
		y := ap.Y + shift.Y
		sky := skyMedian(frame, x, y, ap.SkyInner, ap.SkyOuter)
		for _, r := range p.radii {
			flux, area := apertureSum(frame, x, y, r)
			net := flux - sky*area
			recs = append(recs, storage.PhotRecord{
				Frame:   frame.Path,
				Star:    star,
				Radius:  r,
				X:       x,
				Y:       y,
				Flux:    net,
				FluxErr: fluxError(net, sky, area, p.gain),
				Sky:     sky,
				JD:      frame.JD,
				BJD:     frame.BJD,
				HJD:     frame.HJD,
			})
		}
	}

	if err := p.store.RecordPhotometry(recs); err != nil {
		return fmt.Errorf("photometry %s: persist: %w", frame.Path, err)
	}

	if p.drawRegions {
		if err := p.sink.ShowRegions(apertures, shift.X, shift.Y, p.indexOffset); err != nil {
			p.log.Warn("region overlay failed", "frame", frame.Path, "error", err)
		}
	}
	return nil
}

// apertureSum integrates pixel values inside a circle of radius r at
// (cx, cy), weighting rim pixels by their covered fraction (4x4
// sub-pixel sampling). Returns the sum and the effective area.
func apertureSum(frame *reduce.CorrectedFrame, cx, cy, r float64) (sum, area float64) {
	x0 := int(math.Floor(cx - r - 1))
	x1 := int(math.Ceil(cx + r + 1))
	y0 := int(math.Floor(cy - r - 1))
	y1 := int(math.Ceil(cy + r + 1))

	for y := y0; y <= y1; y++ {
		if y < 0 || y >= frame.Height {
			continue
		}
		for x := x0; x <= x1; x++ {
			if x < 0 || x >= frame.Width {
				continue
			}
			w := pixelWeight(float64(x), float64(y), cx, cy, r)
			if w == 0 {
				continue
			}
			sum += w * float64(frame.Data[y*frame.Width+x])
			area += w
		}
	}
	return sum, area
}

// pixelWeight returns the fraction of the unit pixel centred at (x, y)
// inside the circle.
func pixelWeight(x, y, cx, cy, r float64) float64 {
	// Fast paths: fully inside or fully outside by the pixel diagonal.
	d := math.Hypot(x-cx, y-cy)
	const halfDiag = 0.70710678
	if d <= r-halfDiag {
		return 1
	}
	if d >= r+halfDiag {
		return 0
	}
	const n = 4
	inside := 0
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			sx := x - 0.5 + (float64(i)+0.5)/n
			sy := y - 0.5 + (float64(j)+0.5)/n
			if math.Hypot(sx-cx, sy-cy) <= r {
				inside++
			}
		}
	}
	return float64(inside) / (n * n)
}

// skyMedian estimates the local background as the median pixel value in
// the annulus between rin and rout.
func skyMedian(frame *reduce.CorrectedFrame, cx, cy, rin, rout float64) float64 {
	x0 := int(math.Floor(cx - rout))
	x1 := int(math.Ceil(cx + rout))
	y0 := int(math.Floor(cy - rout))
	y1 := int(math.Ceil(cy + rout))

	var vals []float64
	for y := y0; y <= y1; y++ {
		if y < 0 || y >= frame.Height {
			continue
		}
		for x := x0; x <= x1; x++ {
			if x < 0 || x >= frame.Width {
				continue
			}
			d := math.Hypot(float64(x)-cx, float64(y)-cy)
			if d >= rin && d <= rout {
				vals = append(vals, float64(frame.Data[y*frame.Width+x]))
			}
		}
	}
	if len(vals) == 0 {
		return 0
	}
	sort.Float64s(vals)
	n := len(vals)
	if n%2 == 1 {
		return vals[n/2]
	}
	return 0.5 * (vals[n/2-1] + vals[n/2])
}

// fluxError is the CCD noise estimate in ADU: photon noise from the
// source plus sky photon noise over the aperture area.
func fluxError(net, sky, area, gain float64) float64 {
	src := net
	if src < 0 {
		src = 0
	}
	return math.Sqrt(src/gain + area*math.Max(sky, 0)/gain)
}
