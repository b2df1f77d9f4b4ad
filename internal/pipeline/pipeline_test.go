package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"photpipe/internal/config"
	"photpipe/internal/display"
	"photpipe/internal/fits"
	"photpipe/internal/storage"
)

var nightStars = [][2]float64{{18, 22}, {40, 15}, {30, 45}, {50, 50}}

// renderFrame writes a 64x64 frame with Gaussian stars at the given
// offset from their reference positions.
func renderFrame(t *testing.T, path string, dx, dy float64, cards []fits.Card) {
	t.Helper()
	const size = 64
	data := make([]float32, size*size)
	for i := range data {
		data[i] = 500
	}
	const sigma = 1.8
	for _, s := range nightStars {
		cx, cy := s[0]+dx, s[1]+dy
		for y := int(cy) - 6; y <= int(cy)+6; y++ {
			for x := int(cx) - 6; x <= int(cx)+6; x++ {
				if x < 0 || x >= size || y < 0 || y >= size {
					continue
				}
				fx := float64(x) - cx
				fy := float64(y) - cy
				data[y*size+x] += float32(8000 * math.Exp(-(fx*fx+fy*fy)/(2*sigma*sigma)))
			}
		}
	}
	if err := fits.WriteImage(path, data, size, size, cards); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func scienceCards(extra ...fits.Card) []fits.Card {
	cards := []fits.Card{
		{Name: "IMAGETYP", Value: "Light Frame"},
		{Name: "FILTER", Value: "R"},
		{Name: "EXPTIME", Value: 60.0},
		{Name: "RA", Value: "10:30:00"},
		{Name: "DEC", Value: "+20:00:00"},
	}
	return append(cards, extra...)
}

func writeCalibrationFrames(t *testing.T, imageDir string) {
	t.Helper()
	darkData := make([]float32, 64*64)
	for i := range darkData {
		darkData[i] = 10
	}
	flatData := make([]float32, 64*64)
	for i := range flatData {
		flatData[i] = 10000
	}
	for _, name := range []string{"dark1.fits", "dark2.fits", "dark3.fits"} {
		cards := []fits.Card{
			{Name: "IMAGETYP", Value: "Dark Frame"},
			{Name: "EXPTIME", Value: 30.0},
		}
		if err := fits.WriteImage(filepath.Join(imageDir, name), darkData, 64, 64, cards); err != nil {
			t.Fatalf("write dark: %v", err)
		}
	}
	for _, name := range []string{"flat1.fits", "flat2.fits"} {
		cards := []fits.Card{
			{Name: "IMAGETYP", Value: "Flat Field"},
			{Name: "FILTER", Value: "R"},
			{Name: "EXPTIME", Value: 5.0},
		}
		if err := fits.WriteImage(filepath.Join(imageDir, name), flatData, 64, 64, cards); err != nil {
			t.Fatalf("write flat: %v", err)
		}
	}
}

func writeRegions(t *testing.T, path string) {
	t.Helper()
	var sb strings.Builder
	sb.WriteString("image\n")
	for _, s := range nightStars {
		// Nominal positions off by a little, as a hand-placed region
		// file would be.
		fmt.Fprintf(&sb, "annulus(%.1f,%.1f,8,13)\n", s[0]+0.6, s[1]-0.4)
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		t.Fatalf("write regions: %v", err)
	}
}

func newNightPipeline(t *testing.T) (*Pipeline, *storage.Store, string) {
	t.Helper()
	base := t.TempDir()
	imageDir := filepath.Join(base, "images")
	if err := os.MkdirAll(imageDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	refPath := filepath.Join(base, "reference.fits")
	renderFrame(t, refPath, 0, 0, scienceCards())
	regionPath := filepath.Join(base, "stars.reg")
	writeRegions(t, regionPath)
	writeCalibrationFrames(t, imageDir)

	night := &config.Night{
		ReferenceImage:     refPath,
		RegionFile:         regionPath,
		ImageDir:           imageDir,
		Filter:             "R",
		MaxSepShift:        3,
		MaxShift:           2,
		ApertureRadii:      []float64{3, 5},
		MasterDarkFilename: filepath.Join(base, "master_dark.fits"),
		MasterFlatFilename: filepath.Join(base, "master_flat.fits"),
		DatabasePath:       filepath.Join(base, "phot.db"),
		Workers:            1,
	}
	inst := &config.Instrument{
		Imager: config.Imager{
			DarkImageType:   "Dark Frame",
			FlatImageType:   "Flat Field",
			ScienceImgType:  "Light Frame",
			ExptimeKeyword:  "EXPTIME",
			RAKeyword:       "RA",
			DecKeyword:      "DEC",
			DateObsKeyword:  "DATE-OBS",
			FilterKeyword:   "FILTER",
			ImageTypKeyword: "IMAGETYP",
			Gain:            1.3,
		},
		Sky: config.Sky{BackgroundSigma: 3},
	}

	store, err := storage.New(night.DatabasePath)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return New(night, inst, store, display.Nop{}, slog.Default()), store, imageDir
}

func TestNightReduction(t *testing.T) {
	p, store, imageDir := newNightPipeline(t)

	// One well-tracked frame, one with a shift past the tolerance, and
	// one missing its observation time.
	renderFrame(t, filepath.Join(imageDir, "sci_good.fits"), 1, -0.5,
		scienceCards(fits.Card{Name: "DATE-OBS", Value: "2025-03-10T02:30:00"}))
	renderFrame(t, filepath.Join(imageDir, "sci_jumped.fits"), 8, 0,
		scienceCards(fits.Card{Name: "DATE-OBS", Value: "2025-03-10T02:35:00"}))
	renderFrame(t, filepath.Join(imageDir, "sci_broken.fits"), 0, 0, scienceCards())

	if err := p.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := p.BuildMasters(context.Background()); err != nil {
		t.Fatalf("BuildMasters: %v", err)
	}

	summary, err := p.Process(context.Background())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if summary.Processed != 3 || summary.Accepted != 1 || summary.Rejected != 1 || summary.Failed != 1 {
		t.Fatalf("wrong summary: %+v", summary)
	}

	// The rejected frame moved to quarantine, keeping its name.
	quarantined := filepath.Join(imageDir, quarantineDir, "sci_jumped.fits")
	if _, err := os.Stat(quarantined); err != nil {
		t.Fatalf("rejected frame not quarantined: %v", err)
	}
	if _, err := os.Stat(filepath.Join(imageDir, "sci_jumped.fits")); !os.IsNotExist(err) {
		t.Fatal("rejected frame still in the image directory")
	}

	// Masters were written.
	for _, f := range []string{"master_dark.fits", "master_flat.fits"} {
		if _, err := os.Stat(filepath.Join(filepath.Dir(imageDir), f)); err != nil {
			t.Fatalf("%s not written: %v", f, err)
		}
	}

	// The accepted frame has one photometry row per star per radius.
	recs, err := store.FramePhotometry(filepath.Join(imageDir, "sci_good.fits"))
	if err != nil {
		t.Fatalf("FramePhotometry: %v", err)
	}
	want := len(nightStars) * 2
	if len(recs) != want {
		t.Fatalf("expected %d photometry rows, got %d", want, len(recs))
	}

	// Frame outcomes were recorded with their statuses.
	frames, err := store.RecentFrames(10)
	if err != nil {
		t.Fatalf("RecentFrames: %v", err)
	}
	statuses := map[string]string{}
	for _, f := range frames {
		statuses[filepath.Base(f.Path)] = f.Status
	}
	if statuses["sci_good.fits"] != string(OutcomeAccepted) {
		t.Fatalf("good frame status: %q", statuses["sci_good.fits"])
	}
	if statuses["sci_jumped.fits"] != string(OutcomeRejected) {
		t.Fatalf("jumped frame status: %q", statuses["sci_jumped.fits"])
	}
	if statuses["sci_broken.fits"] != string(OutcomeFailed) {
		t.Fatalf("broken frame status: %q", statuses["sci_broken.fits"])
	}
}

func TestArrivingCalibrationFrameStaysPut(t *testing.T) {
	p, store, imageDir := newNightPipeline(t)
	if err := p.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := p.BuildMasters(context.Background()); err != nil {
		t.Fatalf("BuildMasters: %v", err)
	}

	// Morning flats arriving while watching must not enter the
	// alignment gate, and in particular must never be quarantined.
	flatData := make([]float32, 64*64)
	for i := range flatData {
		flatData[i] = 9000
	}
	flatPath := filepath.Join(imageDir, "morning_flat.fits")
	cards := []fits.Card{
		{Name: "IMAGETYP", Value: "Flat Field"},
		{Name: "FILTER", Value: "R"},
		{Name: "EXPTIME", Value: 5.0},
	}
	if err := fits.WriteImage(flatPath, flatData, 64, 64, cards); err != nil {
		t.Fatalf("write flat: %v", err)
	}

	if err := p.ProcessArrival(context.Background(), flatPath); err != nil {
		t.Fatalf("ProcessArrival: %v", err)
	}
	if _, err := os.Stat(flatPath); err != nil {
		t.Fatalf("flat no longer in the image directory: %v", err)
	}
	if _, err := os.Stat(filepath.Join(imageDir, quarantineDir, "morning_flat.fits")); !os.IsNotExist(err) {
		t.Fatal("calibration frame was quarantined")
	}
	frames, err := store.RecentFrames(10)
	if err != nil {
		t.Fatalf("RecentFrames: %v", err)
	}
	for _, f := range frames {
		if filepath.Base(f.Path) == "morning_flat.fits" {
			t.Fatalf("calibration frame recorded as %s", f.Status)
		}
	}

	// A matching science frame still runs the full per-frame path.
	sciPath := filepath.Join(imageDir, "sci_live.fits")
	renderFrame(t, sciPath, 0.5, 0,
		scienceCards(fits.Card{Name: "DATE-OBS", Value: "2025-03-10T03:00:00"}))
	if err := p.ProcessArrival(context.Background(), sciPath); err != nil {
		t.Fatalf("ProcessArrival science: %v", err)
	}
	recs, err := store.FramePhotometry(sciPath)
	if err != nil {
		t.Fatalf("FramePhotometry: %v", err)
	}
	if len(recs) == 0 {
		t.Fatal("science frame arriving live was not photometered")
	}
}

func TestProcessRequiresSetup(t *testing.T) {
	p, _, _ := newNightPipeline(t)
	if _, err := p.Process(context.Background()); err == nil {
		t.Fatal("Process before Setup/BuildMasters should error")
	}
}

func TestSetupDefocusedKeepsApertures(t *testing.T) {
	p, _, _ := newNightPipeline(t)
	p.night.Defocused = true
	if err := p.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	// Defocused runs trust the hand-placed positions from the region
	// file, offsets and all.
	apertures := p.Apertures()
	if len(apertures) != len(nightStars) {
		t.Fatalf("aperture count changed: %d", len(apertures))
	}
	for i, s := range nightStars {
		wantX, wantY := s[0]+0.6, s[1]-0.4
		if math.Abs(apertures[i].X-wantX) > 1e-9 || math.Abs(apertures[i].Y-wantY) > 1e-9 {
			t.Fatalf("aperture %d moved on a defocused run: (%g, %g) vs nominal (%g, %g)",
				i, apertures[i].X, apertures[i].Y, wantX, wantY)
		}
	}
}

func TestSetupRecentersApertures(t *testing.T) {
	p, _, _ := newNightPipeline(t)
	if err := p.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	apertures := p.Apertures()
	if len(apertures) != len(nightStars) {
		t.Fatalf("aperture count changed: %d", len(apertures))
	}
	// Each aperture snapped from its nominal offset onto the star.
	for i, s := range nightStars {
		if math.Abs(apertures[i].X-s[0]) > 0.5 || math.Abs(apertures[i].Y-s[1]) > 0.5 {
			t.Fatalf("aperture %d not recentred: (%g, %g) vs star (%g, %g)",
				i, apertures[i].X, apertures[i].Y, s[0], s[1])
		}
	}
}
