// Package reduce corrects raw science frames (overscan, dark, flat)
// and derives per-frame time standards. Masters are optional: a nil
// master simply contributes no correction term.
package reduce

import (
	"fmt"
	"time"

	"photpipe/internal/calib"
	"photpipe/internal/config"
	"photpipe/internal/fits"
)

// CorrectedFrame is the output of one frame correction.
type CorrectedFrame struct {
	Path   string
	Data   []float32
	Width  int
	Height int
	JD     float64
	BJD    float64
	HJD    float64
}

// Corrector applies the night's calibration to individual frames. It
// is built once after the masters exist and is read-only afterwards,
// so it may be shared across workers.
type Corrector struct {
	imager   config.Imager
	location config.Observatory
	dark     *fits.Image
	flat     *fits.Image
	darkExp  float64
	overscan calib.Region
	hasOsc   bool
}

// NewCorrector wires masters and instrument metadata into a Corrector.
// Either master may be nil.
func NewCorrector(imager config.Imager, location config.Observatory, dark, flat *fits.Image, darkExp float64) (*Corrector, error) {
	c := &Corrector{
		imager:   imager,
		location: location,
		dark:     dark,
		flat:     flat,
		darkExp:  darkExp,
	}
	if imager.OverscanRegion != "" {
		osc, err := calib.ParseRegion(imager.OverscanRegion)
		if err != nil {
			return nil, fmt.Errorf("corrector: %w", err)
		}
		c.overscan = osc
		c.hasOsc = true
	}
	return c, nil
}

// Correct loads one raw frame, applies overscan/dark/flat terms and
// computes mid-exposure JD, BJD and HJD from the header time and
// coordinates. Header problems are per-frame errors: the caller
// decides whether to skip or abort.
func (c *Corrector) Correct(path string) (*CorrectedFrame, error) {
	img, err := fits.Load(path)
	if err != nil {
		return nil, fmt.Errorf("correct %s: %w", path, err)
	}

	exptime, err := img.Header.Float(c.imager.ExptimeKeyword)
	if err != nil {
		return nil, fmt.Errorf("correct %s: %w", path, err)
	}

	if c.hasOsc {
		if err := calib.SubtractOverscan(img, c.overscan); err != nil {
			return nil, fmt.Errorf("correct %s: %w", path, err)
		}
	}
	if c.dark != nil {
		if len(c.dark.Data) != len(img.Data) {
			return nil, fmt.Errorf("correct %s: master dark is %dx%d, frame is %dx%d",
				path, c.dark.Width, c.dark.Height, img.Width, img.Height)
		}
		scale := float32(0)
		if c.darkExp > 0 {
			scale = float32(exptime / c.darkExp)
		}
		for i := range img.Data {
			img.Data[i] -= scale * c.dark.Data[i]
		}
	}
	if c.flat != nil {
		if len(c.flat.Data) != len(img.Data) {
			return nil, fmt.Errorf("correct %s: master flat is %dx%d, frame is %dx%d",
				path, c.flat.Width, c.flat.Height, img.Width, img.Height)
		}
		for i := range img.Data {
			if f := c.flat.Data[i]; f != 0 {
				img.Data[i] /= f
			}
		}
	}

	jd, bjd, hjd, err := c.timeStandards(img, exptime)
	if err != nil {
		return nil, fmt.Errorf("correct %s: %w", path, err)
	}

	return &CorrectedFrame{
		Path:   path,
		Data:   img.Data,
		Width:  img.Width,
		Height: img.Height,
		JD:     jd,
		BJD:    bjd,
		HJD:    hjd,
	}, nil
}

func (c *Corrector) timeStandards(img *fits.Image, exptime float64) (jd, bjd, hjd float64, err error) {
	dateObs, err := img.Header.Str(c.imager.DateObsKeyword)
	if err != nil {
		return 0, 0, 0, err
	}
	start, err := ParseDateObs(dateObs)
	if err != nil {
		return 0, 0, 0, err
	}
	raStr, err := img.Header.Str(c.imager.RAKeyword)
	if err != nil {
		return 0, 0, 0, err
	}
	decStr, err := img.Header.Str(c.imager.DecKeyword)
	if err != nil {
		return 0, 0, 0, err
	}
	ra, err := ParseRA(raStr)
	if err != nil {
		return 0, 0, 0, err
	}
	dec, err := ParseDec(decStr)
	if err != nil {
		return 0, 0, 0, err
	}

	mid := start.Add(secondsToDuration(exptime / 2))
	jd, bjd, hjd = TimeStandards(mid, ra, dec, c.location)
	return jd, bjd, hjd, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
