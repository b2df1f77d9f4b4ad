// Package display pushes frames and region overlays to a live DS9
// window. The orchestrator talks to the Sink interface unconditionally;
// when no display is configured the Nop implementation keeps every call
// a no-op, so display availability never changes pipeline outcomes.
package display

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"photpipe/internal/region"
)

// Sink receives display commands from the pipeline.
type Sink interface {
	// ShowFile loads a FITS file into the display.
	ShowFile(path string) error
	// ShowRegions overlays the (already shifted) aperture positions.
	ShowRegions(apertures region.Set, shiftX, shiftY float64, indexOffset int) error
	// Settle blocks long enough for a human to see a master frame.
	Settle()
}

// Nop is the absent-display sink.
type Nop struct{}

func (Nop) ShowFile(string) error { return nil }

func (Nop) ShowRegions(region.Set, float64, float64, int) error { return nil }

func (Nop) Settle() {}

// DS9 drives a ds9 window over XPA. Commands go through xpaset argv,
// never through a shell.
type DS9 struct {
	WindowID   string
	SettleTime time.Duration
	Log        *slog.Logger

	// run is swappable for tests.
	run func(args []string, stdin string) error
}

// NewDS9 returns a sink bound to one ds9 window id.
func NewDS9(windowID string, settle time.Duration, log *slog.Logger) *DS9 {
	return &DS9{
		WindowID:   windowID,
		SettleTime: settle,
		Log:        log,
		run:        runXPA,
	}
}

// Available reports whether the xpaset binary can be found; without it
// the sink cannot reach a ds9 window.
func (d *DS9) Available() bool {
	_, err := exec.LookPath("xpaset")
	return err == nil
}

func runXPA(args []string, stdin string) error {
	cmd := exec.Command("xpaset", args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("xpaset %v: %w: %s", args, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ShowFile loads the file into the window.
func (d *DS9) ShowFile(path string) error {
	if err := d.run([]string{"-p", d.WindowID, "file", path}, ""); err != nil {
		d.Log.Warn("ds9 display failed", "path", path, "error", err)
		return err
	}
	return nil
}

// ShowRegions clears existing overlays and draws one labelled circle
// per aperture at its shifted position.
func (d *DS9) ShowRegions(apertures region.Set, shiftX, shiftY float64, indexOffset int) error {
	if err := d.run([]string{"-p", d.WindowID, "regions", "delete", "all"}, ""); err != nil {
		return err
	}
	var sb strings.Builder
	sb.WriteString("image\n")
	for i, ap := range apertures {
		fmt.Fprintf(&sb, "annulus(%.2f,%.2f,%.2f,%.2f) # text={%d}\n",
			ap.X+shiftX, ap.Y+shiftY, ap.SkyInner, ap.SkyOuter, i+indexOffset)
	}
	if err := d.run([]string{"-p", d.WindowID, "regions"}, sb.String()); err != nil {
		d.Log.Warn("ds9 region overlay failed", "error", err)
		return err
	}
	return nil
}

// Settle pauses so master frames stay visible before the next command.
func (d *DS9) Settle() {
	time.Sleep(d.SettleTime)
}
