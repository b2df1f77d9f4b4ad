package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Night holds the per-night reduction settings. It is loaded once at
// startup and never mutated during a run.
type Night struct {
	ReferenceImage     string    `json:"reference_image"`
	RegionFile         string    `json:"region_file"`
	ImageDir           string    `json:"image_dir"`
	Filter             string    `json:"filter"`
	Defocused          bool      `json:"defocused"`
	MaxSepShift        float64   `json:"max_sep_shift"`
	MaxShift           float64   `json:"max_shift"`
	ApertureRadii      []float64 `json:"aperture_radii"`
	MasterDarkFilename string    `json:"master_dark_filename"`
	MasterFlatFilename string    `json:"master_flat_filename"`
	DatabasePath       string    `json:"database_path"`
	Display            bool      `json:"display"`
	Workers            int       `json:"workers"`
	Logging            Logging   `json:"logging"`
}

// Instrument holds settings fixed per telescope/camera combination.
type Instrument struct {
	Imager      Imager      `json:"imager"`
	Observatory Observatory `json:"observatory"`
	Sky         Sky         `json:"sky"`
	Display     Display     `json:"display"`
}

// Imager names the FITS header keywords and IMAGETYP values the
// instrument writes, plus detector constants.
type Imager struct {
	OverscanRegion  string  `json:"overscan_region"` // e.g. "[2049:2088,1:2048]"
	BiasImageType   string  `json:"bias_image_type"` // IMAGETYP value for biases
	DarkImageType   string  `json:"dark_image_type"` // IMAGETYP value for darks
	FlatImageType   string  `json:"flat_image_type"` // IMAGETYP value for flats
	ScienceImgType  string  `json:"science_image_type"`
	ExptimeKeyword  string  `json:"exptime_keyword"`
	RAKeyword       string  `json:"ra_keyword"`
	DecKeyword      string  `json:"dec_keyword"`
	DateObsKeyword  string  `json:"dateobs_start_keyword"`
	FilterKeyword   string  `json:"filter_keyword"`
	ImageTypKeyword string  `json:"imagetyp_keyword"`
	Gain            float64 `json:"gain"` // e-/ADU
}

// Observatory is the geodetic site location.
type Observatory struct {
	Latitude  float64 `json:"olat"` // degrees, north positive
	Longitude float64 `json:"olon"` // degrees, east positive
	Elevation float64 `json:"elev"` // metres
}

// Sky holds background estimation parameters for source detection.
type Sky struct {
	BackgroundSigma float64 `json:"background_sigma"`
}

// Display configures the optional DS9 sink.
type Display struct {
	WindowID    string  `json:"window_id"`
	IndexOffset int     `json:"index_offset"`
	SettleSecs  float64 `json:"settle_seconds"`
}

// Logging controls verbosity and handler format.
type Logging struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text, json
}

// LoadNight reads and validates a night configuration file.
func LoadNight(path string) (*Night, error) {
	cfg := &Night{
		ImageDir:           ".",
		ApertureRadii:      []float64{3, 4, 5},
		MasterDarkFilename: "master_dark.fits",
		MasterFlatFilename: "master_flat.fits",
		DatabasePath:       "photometry.db",
		Workers:            1,
		Logging:            Logging{Level: "info", Format: "text"},
	}
	if err := loadJSON(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("night config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadInstrument reads and validates an instrument configuration file.
func LoadInstrument(path string) (*Instrument, error) {
	cfg := &Instrument{
		Imager: Imager{
			ExptimeKeyword:  "EXPTIME",
			RAKeyword:       "RA",
			DecKeyword:      "DEC",
			DateObsKeyword:  "DATE-OBS",
			FilterKeyword:   "FILTER",
			ImageTypKeyword: "IMAGETYP",
			Gain:            1.0,
		},
		Sky:     Sky{BackgroundSigma: 3.0},
		Display: Display{SettleSecs: 5},
	}
	if err := loadJSON(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("instrument config %s: %w", path, err)
	}
	return cfg, nil
}

func loadJSON(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	return nil
}

func (n *Night) validate() error {
	if n.ReferenceImage == "" {
		return fmt.Errorf("reference_image is required")
	}
	if n.RegionFile == "" {
		return fmt.Errorf("region_file is required")
	}
	if n.MaxShift <= 0 {
		return fmt.Errorf("max_shift must be positive, got %g", n.MaxShift)
	}
	if !n.Defocused && n.MaxSepShift <= 0 {
		return fmt.Errorf("max_sep_shift must be positive when recentering is enabled")
	}
	if len(n.ApertureRadii) == 0 {
		return fmt.Errorf("aperture_radii must not be empty")
	}
	if n.Workers < 1 {
		n.Workers = 1
	}
	return nil
}

func (i *Instrument) validate() error {
	if i.Imager.ScienceImgType == "" {
		return fmt.Errorf("imager.science_image_type is required")
	}
	if i.Imager.Gain <= 0 {
		return fmt.Errorf("imager.gain must be positive, got %g", i.Imager.Gain)
	}
	if i.Observatory.Latitude < -90 || i.Observatory.Latitude > 90 {
		return fmt.Errorf("observatory.olat out of range: %g", i.Observatory.Latitude)
	}
	if i.Observatory.Longitude < -180 || i.Observatory.Longitude > 360 {
		return fmt.Errorf("observatory.olon out of range: %g", i.Observatory.Longitude)
	}
	return nil
}
