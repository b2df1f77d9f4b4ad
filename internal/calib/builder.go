// Package calib builds the night's master calibration frames. A master
// may legitimately be absent (no matching raw frames); absence is
// reported as a nil image, never as an error, and downstream correction
// degrades gracefully.
package calib

import (
	"fmt"
	"log/slog"
	"sort"

	"gonum.org/v1/gonum/stat"

	"photpipe/internal/config"
	"photpipe/internal/fits"
)

// Builder constructs master darks and flats from the discovered frame
// list using the instrument's header keyword names.
type Builder struct {
	imager config.Imager
	log    *slog.Logger
}

// NewBuilder returns a Builder for the given imager description.
func NewBuilder(imager config.Imager, log *slog.Logger) *Builder {
	return &Builder{imager: imager, log: log}
}

// MasterDark median-combines all overscan-corrected dark frames and
// writes the result to outPath. With zero matching darks it returns
// (nil, 0, nil): no master, no error.
func (b *Builder) MasterDark(list *fits.List, outPath string) (*fits.Image, float64, error) {
	entries := list.Filter(b.imager.DarkImageType, "")
	if len(entries) == 0 {
		b.log.Info("no dark frames found, skipping master dark",
			"image_type", b.imager.DarkImageType)
		return nil, 0, nil
	}

	frames, err := b.loadCorrected(entries)
	if err != nil {
		return nil, 0, fmt.Errorf("master dark: %w", err)
	}

	darkExp, err := frames[0].Header.Float(b.imager.ExptimeKeyword)
	if err != nil {
		return nil, 0, fmt.Errorf("master dark: %w", err)
	}
	for _, f := range frames[1:] {
		if exp, err := f.Header.Float(b.imager.ExptimeKeyword); err == nil && exp != darkExp {
			b.log.Warn("dark exposure times differ", "frame", f.Path,
				"exptime", exp, "expected", darkExp)
		}
	}

	master := combineMedian(frames)
	master.Path = outPath
	cards := []fits.Card{
		{Name: b.imager.ImageTypKeyword, Value: "Master Dark"},
		{Name: b.imager.ExptimeKeyword, Value: darkExp},
		{Name: "NCOMBINE", Value: len(frames), Comment: "frames combined"},
	}
	if err := fits.WriteImage(outPath, master.Data, master.Width, master.Height, cards); err != nil {
		return nil, 0, fmt.Errorf("master dark: %w", err)
	}
	b.log.Info("master dark built", "frames", len(frames), "exptime", darkExp, "path", outPath)
	return master, darkExp, nil
}

// MasterFlat builds the master flat for one filter: each flat is
// overscan-corrected, dark-subtracted (scaled by exposure time when a
// master dark exists), normalised by its median, then the stack is
// median-combined. Zero matching flats returns (nil, nil).
func (b *Builder) MasterFlat(list *fits.List, filter string, dark *fits.Image, darkExp float64, outPath string) (*fits.Image, error) {
	entries := list.Filter(b.imager.FlatImageType, filter)
	if len(entries) == 0 {
		b.log.Info("no flat frames found, skipping master flat",
			"image_type", b.imager.FlatImageType, "filter", filter)
		return nil, nil
	}

	frames, err := b.loadCorrected(entries)
	if err != nil {
		return nil, fmt.Errorf("master flat: %w", err)
	}

	for _, f := range frames {
		if dark != nil {
			exp, err := f.Header.Float(b.imager.ExptimeKeyword)
			if err != nil {
				return nil, fmt.Errorf("master flat: %w", err)
			}
			scale := float32(0)
			if darkExp > 0 {
				scale = float32(exp / darkExp)
			}
			for i := range f.Data {
				f.Data[i] -= scale * dark.Data[i]
			}
		}
		norm := frameMedian(f)
		if norm <= 0 {
			return nil, fmt.Errorf("master flat: %s has non-positive median %g", f.Path, norm)
		}
		inv := float32(1 / norm)
		for i := range f.Data {
			f.Data[i] *= inv
		}
	}

	master := combineMedian(frames)
	master.Path = outPath
	cards := []fits.Card{
		{Name: b.imager.ImageTypKeyword, Value: "Master Flat"},
		{Name: b.imager.FilterKeyword, Value: filter},
		{Name: "NCOMBINE", Value: len(frames), Comment: "frames combined"},
	}
	if err := fits.WriteImage(outPath, master.Data, master.Width, master.Height, cards); err != nil {
		return nil, fmt.Errorf("master flat: %w", err)
	}
	b.log.Info("master flat built", "frames", len(frames), "filter", filter, "path", outPath)
	return master, nil
}

// loadCorrected loads every entry and applies the overscan correction
// when the instrument defines an overscan region.
func (b *Builder) loadCorrected(entries []fits.Entry) ([]*fits.Image, error) {
	var osc Region
	hasOsc := b.imager.OverscanRegion != ""
	if hasOsc {
		var err error
		osc, err = ParseRegion(b.imager.OverscanRegion)
		if err != nil {
			return nil, err
		}
	}

	frames := make([]*fits.Image, 0, len(entries))
	for _, e := range entries {
		img, err := fits.Load(e.Path)
		if err != nil {
			return nil, err
		}
		if len(frames) > 0 && (img.Width != frames[0].Width || img.Height != frames[0].Height) {
			return nil, fmt.Errorf("%s is %dx%d, expected %dx%d",
				e.Path, img.Width, img.Height, frames[0].Width, frames[0].Height)
		}
		if hasOsc {
			if err := SubtractOverscan(img, osc); err != nil {
				return nil, err
			}
		}
		frames = append(frames, img)
	}
	return frames, nil
}

// combineMedian builds the per-pixel median of the stack. Determinism:
// identical inputs always produce an identical master.
func combineMedian(frames []*fits.Image) *fits.Image {
	w, h := frames[0].Width, frames[0].Height
	out := make([]float32, w*h)
	column := make([]float64, len(frames))
	for i := range out {
		for j, f := range frames {
			column[j] = float64(f.Data[i])
		}
		sort.Float64s(column)
		out[i] = float32(stat.Quantile(0.5, stat.Empirical, column, nil))
	}
	return &fits.Image{Width: w, Height: h, Data: out, Header: frames[0].Header}
}

func frameMedian(f *fits.Image) float64 {
	vals := make([]float64, len(f.Data))
	for i, v := range f.Data {
		vals[i] = float64(v)
	}
	return median(vals)
}
