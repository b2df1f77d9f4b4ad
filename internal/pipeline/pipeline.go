// Package pipeline sequences the nightly reduction: aperture setup,
// reference alignment, master calibration, then the per-frame loop
// (correct, align, gate, photometer). All state built during setup is
// read-only once the loop starts, so frames may be processed by
// several workers.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"photpipe/internal/align"
	"photpipe/internal/calib"
	"photpipe/internal/config"
	"photpipe/internal/detect"
	"photpipe/internal/display"
	"photpipe/internal/fits"
	"photpipe/internal/photometry"
	"photpipe/internal/reduce"
	"photpipe/internal/region"
	"photpipe/internal/storage"
)

// Outcome is the final state of one frame.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
	OutcomeFailed   Outcome = "failed"
)

// Summary counts per-frame outcomes for one run.
type Summary struct {
	Processed int
	Accepted  int
	Rejected  int
	Failed    int
}

// Pipeline owns one night's reduction. Construct with New, then call
// Setup, BuildMasters and Process in order.
type Pipeline struct {
	night *config.Night
	inst  *config.Instrument
	store *storage.Store
	sink  display.Sink
	log   *slog.Logger

	// built during Setup/BuildMasters, read-only afterwards
	apertures  region.Set
	aligner    *align.Aligner
	list       *fits.List
	corrector  *reduce.Corrector
	photometer *photometry.Photometer
	gate       Gate

	quarantineOnce sync.Once
	quarantineErr  error

	mu      sync.Mutex
	summary Summary
}

// New wires a Pipeline from configuration and collaborators. The sink
// may be display.Nop{}; the pipeline calls it unconditionally.
func New(night *config.Night, inst *config.Instrument, store *storage.Store, sink display.Sink, log *slog.Logger) *Pipeline {
	return &Pipeline{
		night: night,
		inst:  inst,
		store: store,
		sink:  sink,
		log:   log,
		gate:  Gate{MaxShift: night.MaxShift},
	}
}

// Setup establishes the run's fixed aperture set and seeds the aligner
// with the reference frame. Runs exactly once, before anything else.
func (p *Pipeline) Setup() error {
	set, err := region.Load(p.night.RegionFile)
	if err != nil {
		return err
	}

	ref, err := fits.Load(p.night.ReferenceImage)
	if err != nil {
		return fmt.Errorf("reference frame: %w", err)
	}

	if !p.night.Defocused {
		sources, err := detect.Extract(ref, p.inst.Sky.BackgroundSigma)
		if err != nil {
			return fmt.Errorf("source extraction on %s: %w", ref.Path, err)
		}
		before := len(set)
		set = detect.Recenter(set, sources, p.night.MaxSepShift)
		if len(set) != before {
			// Recenter guarantees this; a mismatch would corrupt star identity.
			return fmt.Errorf("recentering changed aperture count %d -> %d", before, len(set))
		}
		p.log.Info("apertures recentered", "apertures", len(set), "sources", len(sources))
	} else {
		p.log.Info("defocused run, apertures used as placed", "apertures", len(set))
	}
	p.apertures = set

	p.aligner, err = align.New(ref)
	if err != nil {
		return err
	}
	return nil
}

// BuildMasters scans the image directory and constructs the master
// dark and flat. A missing master is logged and carried as nil; frame
// correction then omits that term.
func (p *Pipeline) BuildMasters(ctx context.Context) error {
	list, err := fits.Scan(p.night.ImageDir, p.inst.Imager.ImageTypKeyword, p.inst.Imager.FilterKeyword, p.log)
	if err != nil {
		return err
	}
	p.list = list

	builder := calib.NewBuilder(p.inst.Imager, p.log)

	dark, darkExp, err := builder.MasterDark(list, p.night.MasterDarkFilename)
	if err != nil {
		return err
	}
	if dark != nil {
		if err := p.store.RecordMaster("dark", p.night.MasterDarkFilename, countType(list, p.inst.Imager.DarkImageType, "")); err != nil {
			p.log.Warn("master dark not recorded", "error", err)
		}
		p.showMaster(p.night.MasterDarkFilename)
	}

	flat, err := builder.MasterFlat(list, p.night.Filter, dark, darkExp, p.night.MasterFlatFilename)
	if err != nil {
		return err
	}
	if flat != nil {
		if err := p.store.RecordMaster("flat", p.night.MasterFlatFilename, countType(list, p.inst.Imager.FlatImageType, p.night.Filter)); err != nil {
			p.log.Warn("master flat not recorded", "error", err)
		}
		p.showMaster(p.night.MasterFlatFilename)
	}

	p.corrector, err = reduce.NewCorrector(p.inst.Imager, p.inst.Observatory, dark, flat, darkExp)
	if err != nil {
		return err
	}
	p.photometer = photometry.New(p.store, p.night.ApertureRadii, p.inst.Imager.Gain,
		p.sink, p.night.Display, p.inst.Display.IndexOffset, p.log)

	return nil
}

func (p *Pipeline) showMaster(path string) {
	if err := p.sink.ShowFile(path); err == nil {
		p.sink.Settle()
	}
}

func countType(list *fits.List, imagetyp, filter string) int {
	return len(list.Filter(imagetyp, filter))
}

// Process runs the per-frame loop over the night's science frames in
// the order they were discovered. With Workers > 1 the frames are
// distributed over a pool; masters, aligner and apertures are shared
// read-only, output ordering is not guaranteed.
func (p *Pipeline) Process(ctx context.Context) (Summary, error) {
	if p.corrector == nil || p.aligner == nil {
		return Summary{}, fmt.Errorf("pipeline not set up: call Setup and BuildMasters first")
	}

	science := p.list.Filter(p.inst.Imager.ScienceImgType, p.night.Filter)
	if len(science) == 0 {
		p.log.Warn("no science frames match",
			"image_type", p.inst.Imager.ScienceImgType, "filter", p.night.Filter)
		return Summary{}, nil
	}
	p.log.Info("processing science frames", "frames", len(science), "workers", p.night.Workers)

	if p.night.Workers <= 1 {
		for _, e := range science {
			if err := ctx.Err(); err != nil {
				return p.snapshot(), err
			}
			p.ProcessFrame(ctx, e.Path)
		}
		return p.snapshot(), nil
	}

	jobs := make(chan fits.Entry)
	var wg sync.WaitGroup
	for i := 0; i < p.night.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for e := range jobs {
				p.ProcessFrame(ctx, e.Path)
			}
		}()
	}
	for _, e := range science {
		if ctx.Err() != nil {
			break
		}
		jobs <- e
	}
	close(jobs)
	wg.Wait()
	return p.snapshot(), ctx.Err()
}

// ProcessFrame takes one raw science frame through
// CORRECTED -> ALIGNED -> gate -> PHOTOMETERED/SKIPPED. Per-frame
// failures are recorded and do not stop the run.
func (p *Pipeline) ProcessFrame(ctx context.Context, path string) Outcome {
	start := time.Now()

	if err := p.sink.ShowFile(path); err != nil {
		p.log.Debug("frame display failed", "frame", path, "error", err)
	}

	corrected, err := p.corrector.Correct(path)
	if err != nil {
		p.log.Error("frame correction failed, skipping", "frame", path, "error", err)
		p.record(storage.FrameRecord{Path: path, Status: string(OutcomeFailed), Error: err.Error()})
		return p.count(OutcomeFailed)
	}

	// The shift is measured on the raw frame, not the corrected data:
	// the tolerance is calibrated against pre-correction geometry.
	raw, err := fits.Load(path)
	if err != nil {
		p.log.Error("raw reload for alignment failed, skipping", "frame", path, "error", err)
		p.record(storage.FrameRecord{Path: path, Status: string(OutcomeFailed), Error: err.Error()})
		return p.count(OutcomeFailed)
	}
	shift, err := p.aligner.Measure(raw)
	if err != nil {
		p.log.Error("shift measurement failed, skipping", "frame", path, "error", err)
		p.record(storage.FrameRecord{Path: path, Status: string(OutcomeFailed), Error: err.Error()})
		return p.count(OutcomeFailed)
	}

	if !p.gate.Accept(shift) {
		p.log.Warn("image shift too big, rejecting",
			"frame", path, "shift_x", round2(shift.X), "shift_y", round2(shift.Y),
			"max_shift", p.gate.MaxShift)
		if err := p.quarantine(path); err != nil {
			p.log.Error("quarantine move failed", "frame", path, "error", err)
		}
		p.record(storage.FrameRecord{
			Path: path, Status: string(OutcomeRejected),
			ShiftX: shift.X, ShiftY: shift.Y,
			JD: corrected.JD, BJD: corrected.BJD, HJD: corrected.HJD,
		})
		return p.count(OutcomeRejected)
	}

	if err := p.photometer.Measure(corrected, shift, p.apertures); err != nil {
		p.log.Error("photometry failed", "frame", path, "error", err)
		p.record(storage.FrameRecord{
			Path: path, Status: string(OutcomeFailed), Error: err.Error(),
			ShiftX: shift.X, ShiftY: shift.Y,
			JD: corrected.JD, BJD: corrected.BJD, HJD: corrected.HJD,
		})
		return p.count(OutcomeFailed)
	}

	p.record(storage.FrameRecord{
		Path: path, Status: string(OutcomeAccepted),
		ShiftX: shift.X, ShiftY: shift.Y,
		JD: corrected.JD, BJD: corrected.BJD, HJD: corrected.HJD,
	})
	p.log.Info("frame processed",
		"frame", path, "shift_x", round2(shift.X), "shift_y", round2(shift.Y),
		"duration", time.Since(start).Round(time.Millisecond).String())
	return p.count(OutcomeAccepted)
}

// ProcessArrival handles one frame delivered by the live watcher. Only
// frames matching the night's science type and filter enter the
// per-frame path; calibration frames written during the night stay
// where the camera put them.
func (p *Pipeline) ProcessArrival(ctx context.Context, path string) error {
	imgType, filter, err := fits.TypeAndFilter(path,
		p.inst.Imager.ImageTypKeyword, p.inst.Imager.FilterKeyword)
	if err != nil {
		return err
	}
	if imgType != p.inst.Imager.ScienceImgType || (p.night.Filter != "" && filter != p.night.Filter) {
		p.log.Info("ignoring non-science frame", "frame", path,
			"image_type", imgType, "filter", filter)
		return nil
	}
	p.ProcessFrame(ctx, path)
	return nil
}

// Apertures exposes the run's fixed aperture set (for tests and the
// watch mode).
func (p *Pipeline) Apertures() region.Set {
	return p.apertures
}

func (p *Pipeline) record(rec storage.FrameRecord) {
	if err := p.store.RecordFrame(rec); err != nil {
		p.log.Warn("frame record not persisted", "frame", rec.Path, "error", err)
	}
}

func (p *Pipeline) count(o Outcome) Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.summary.Processed++
	switch o {
	case OutcomeAccepted:
		p.summary.Accepted++
	case OutcomeRejected:
		p.summary.Rejected++
	case OutcomeFailed:
		p.summary.Failed++
	}
	return o
}

func (p *Pipeline) snapshot() Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.summary
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
