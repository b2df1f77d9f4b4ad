package calib

import (
	"strings"
	"testing"

	"photpipe/internal/fits"
)

func TestParseRegion(t *testing.T) {
	r, err := ParseRegion("[1:20,1:4]")
	if err != nil {
		t.Fatalf("ParseRegion: %v", err)
	}
	if r != (Region{X0: 0, X1: 20, Y0: 0, Y1: 4}) {
		t.Fatalf("wrong region: %+v", r)
	}

	r, err = ParseRegion("[2049:2080,1:2048]")
	if err != nil {
		t.Fatalf("ParseRegion: %v", err)
	}
	if r.X0 != 2048 || r.X1 != 2080 || r.Y1 != 2048 {
		t.Fatalf("wrong region: %+v", r)
	}
}

func TestParseRegionMalformed(t *testing.T) {
	for _, spec := range []string{"", "1:20,1:4", "[1:20;1:4]", "[20:1,1:4]", "[0:20,1:4]", "[a:b,c:d]"} {
		if _, err := ParseRegion(spec); err == nil {
			t.Fatalf("expected error for %q", spec)
		} else if !strings.Contains(err.Error(), "malformed") {
			t.Fatalf("error for %q should mention malformed: %v", spec, err)
		}
	}
}

func TestSubtractOverscanPerRowMedian(t *testing.T) {
	// 4x3 frame, overscan is the first two columns of every row.
	img := &fits.Image{
		Width:  4,
		Height: 3,
		Data: []float32{
			10, 10, 110, 120,
			20, 20, 220, 230,
			30, 30, 330, 340,
		},
	}
	osc, err := ParseRegion("[1:2,1:3]")
	if err != nil {
		t.Fatalf("ParseRegion: %v", err)
	}

	if err := SubtractOverscan(img, osc); err != nil {
		t.Fatalf("SubtractOverscan: %v", err)
	}

	want := []float32{
		0, 0, 100, 110,
		0, 0, 200, 210,
		0, 0, 300, 310,
	}
	for i, v := range want {
		if img.Data[i] != v {
			t.Fatalf("pixel %d: want %g, got %g", i, v, img.Data[i])
		}
	}
}

func TestSubtractOverscanRowsOutsideUseGlobal(t *testing.T) {
	// Overscan covers only the first row; the second row gets the
	// global overscan median.
	img := &fits.Image{
		Width:  3,
		Height: 2,
		Data: []float32{
			5, 5, 105,
			0, 0, 100,
		},
	}
	osc := Region{X0: 0, X1: 2, Y0: 0, Y1: 1}

	if err := SubtractOverscan(img, osc); err != nil {
		t.Fatalf("SubtractOverscan: %v", err)
	}
	if img.Data[2] != 100 {
		t.Fatalf("in-overscan row: want 100, got %g", img.Data[2])
	}
	if img.Data[5] != 95 {
		t.Fatalf("outside row should subtract global median 5: got %g", img.Data[5])
	}
}

func TestSubtractOverscanOutOfBounds(t *testing.T) {
	img := &fits.Image{Width: 4, Height: 4, Data: make([]float32, 16)}
	if err := SubtractOverscan(img, Region{X0: 0, X1: 8, Y0: 0, Y1: 4}); err == nil {
		t.Fatal("expected error for overscan outside frame")
	}
}
