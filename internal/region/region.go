// Package region loads photometric aperture definitions from DS9-style
// region files. Aperture order is significant: the slice index is the
// star identity for the whole run.
package region

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Aperture is one target position with its sky annulus radii, in pixel
// coordinates matching the reference frame.
type Aperture struct {
	X        float64
	Y        float64
	SkyInner float64
	SkyOuter float64
}

// Set is the ordered collection of apertures for a run.
type Set []Aperture

// Load parses a region file. Supported shapes are
// annulus(x,y,rin,rout) and circle(x,y,r); a circle gets a default
// annulus of (r+5, r+10). Comment lines and coordinate-system headers
// are skipped.
func Load(path string) (Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open region file %s: %w", path, err)
	}
	defer f.Close()

	var set Set
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// Strip trailing attributes like "# color=green".
		if i := strings.Index(line, "#"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		switch {
		case strings.HasPrefix(line, "annulus(") || strings.HasPrefix(line, "circle("):
			ap, err := parseShape(line)
			if err != nil {
				return nil, fmt.Errorf("region file %s line %d: %w", path, lineNo, err)
			}
			set = append(set, ap)
		case isCoordHeader(line):
			continue
		default:
			return nil, fmt.Errorf("region file %s line %d: unsupported region %q", path, lineNo, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read region file %s: %w", path, err)
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("region file %s: no apertures defined", path)
	}
	return set, nil
}

func parseShape(line string) (Aperture, error) {
	open := strings.Index(line, "(")
	closeIdx := strings.Index(line, ")")
	if open < 0 || closeIdx < open {
		return Aperture{}, fmt.Errorf("malformed region %q", line)
	}
	name := line[:open]
	parts := strings.Split(line[open+1:closeIdx], ",")
	vals := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Aperture{}, fmt.Errorf("bad coordinate %q in %q", p, line)
		}
		vals[i] = v
	}
	switch name {
	case "annulus":
		if len(vals) != 4 {
			return Aperture{}, fmt.Errorf("annulus needs 4 values, got %d", len(vals))
		}
		if vals[2] >= vals[3] {
			return Aperture{}, fmt.Errorf("annulus inner radius %g >= outer %g", vals[2], vals[3])
		}
		return Aperture{X: vals[0], Y: vals[1], SkyInner: vals[2], SkyOuter: vals[3]}, nil
	case "circle":
		if len(vals) != 3 {
			return Aperture{}, fmt.Errorf("circle needs 3 values, got %d", len(vals))
		}
		return Aperture{X: vals[0], Y: vals[1], SkyInner: vals[2] + 5, SkyOuter: vals[2] + 10}, nil
	default:
		return Aperture{}, fmt.Errorf("unsupported shape %q", name)
	}
}

func isCoordHeader(line string) bool {
	switch strings.ToLower(line) {
	case "image", "physical", "fk5", "icrs", "global":
		return true
	}
	return strings.HasPrefix(strings.ToLower(line), "global ")
}
