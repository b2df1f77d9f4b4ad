package pipeline

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"photpipe/internal/align"
)

// quarantineDir collects frames whose measured shift exceeded the
// tolerance. Created next to the rejected frame on first use.
const quarantineDir = "failed_alignment"

// Gate decides whether a frame's measured shift is usable. A shift on
// the boundary is accepted.
type Gate struct {
	MaxShift float64
}

// Accept reports whether both shift components are within tolerance.
func (g Gate) Accept(s align.Shift) bool {
	return math.Abs(s.X) <= g.MaxShift && math.Abs(s.Y) <= g.MaxShift
}

// quarantine moves a rejected frame into the quarantine directory
// beside it, keeping the base name.
func (p *Pipeline) quarantine(path string) error {
	dir := filepath.Join(filepath.Dir(path), quarantineDir)
	p.quarantineOnce.Do(func() {
		p.quarantineErr = os.MkdirAll(dir, 0o755)
	})
	if p.quarantineErr != nil {
		return fmt.Errorf("quarantine dir: %w", p.quarantineErr)
	}
	dest := filepath.Join(dir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		return fmt.Errorf("quarantine %s: %w", path, err)
	}
	return nil
}
