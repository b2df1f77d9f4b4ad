package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadNightDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"reference_image": "ref.fits",
		"region_file": "stars.reg",
		"max_shift": 20,
		"max_sep_shift": 5
	}`)

	cfg, err := LoadNight(path)
	if err != nil {
		t.Fatalf("LoadNight: %v", err)
	}
	if cfg.ImageDir != "." {
		t.Fatalf("default image_dir: got %q", cfg.ImageDir)
	}
	if len(cfg.ApertureRadii) != 3 {
		t.Fatalf("default aperture_radii: got %v", cfg.ApertureRadii)
	}
	if cfg.DatabasePath != "photometry.db" {
		t.Fatalf("default database_path: got %q", cfg.DatabasePath)
	}
	if cfg.Workers != 1 {
		t.Fatalf("default workers: got %d", cfg.Workers)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Fatalf("default logging: %+v", cfg.Logging)
	}
}

func TestLoadNightValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			"missing reference",
			`{"region_file": "r.reg", "max_shift": 20, "max_sep_shift": 5}`,
			"reference_image",
		},
		{
			"missing region file",
			`{"reference_image": "ref.fits", "max_shift": 20, "max_sep_shift": 5}`,
			"region_file",
		},
		{
			"non-positive max shift",
			`{"reference_image": "ref.fits", "region_file": "r.reg", "max_shift": 0, "max_sep_shift": 5}`,
			"max_shift",
		},
		{
			"recentering needs max_sep_shift",
			`{"reference_image": "ref.fits", "region_file": "r.reg", "max_shift": 20}`,
			"max_sep_shift",
		},
		{
			"empty radii",
			`{"reference_image": "ref.fits", "region_file": "r.reg", "max_shift": 20, "max_sep_shift": 5, "aperture_radii": []}`,
			"aperture_radii",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadNight(writeConfig(t, tc.content))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadNightDefocusedSkipsSepShift(t *testing.T) {
	path := writeConfig(t, `{
		"reference_image": "ref.fits",
		"region_file": "stars.reg",
		"max_shift": 20,
		"defocused": true
	}`)
	cfg, err := LoadNight(path)
	if err != nil {
		t.Fatalf("defocused run should not require max_sep_shift: %v", err)
	}
	if !cfg.Defocused {
		t.Fatal("defocused flag lost")
	}
}

func TestLoadInstrumentDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"imager": {"science_image_type": "Light Frame", "gain": 1.3}
	}`)

	cfg, err := LoadInstrument(path)
	if err != nil {
		t.Fatalf("LoadInstrument: %v", err)
	}
	if cfg.Imager.ExptimeKeyword != "EXPTIME" || cfg.Imager.DateObsKeyword != "DATE-OBS" {
		t.Fatalf("keyword defaults wrong: %+v", cfg.Imager)
	}
	if cfg.Sky.BackgroundSigma != 3.0 {
		t.Fatalf("default background_sigma: got %g", cfg.Sky.BackgroundSigma)
	}
	if cfg.Display.SettleSecs != 5 {
		t.Fatalf("default settle_seconds: got %g", cfg.Display.SettleSecs)
	}
}

func TestLoadInstrumentValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{"missing science type", `{"imager": {"gain": 1.3}}`, "science_image_type"},
		{"zero gain", `{"imager": {"science_image_type": "Light Frame", "gain": 0}}`, "gain"},
		{"bad latitude", `{"imager": {"science_image_type": "Light Frame", "gain": 1.3}, "observatory": {"olat": 95}}`, "olat"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadInstrument(writeConfig(t, tc.content))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadNightMissingFile(t *testing.T) {
	if _, err := LoadNight(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
