package fits

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/astrogo/fitsio"
)

// Image is a single FITS frame decoded to float32, row-major with
// index y*Width+x. The header stays attached so callers can pull
// keywords after load.
type Image struct {
	Path   string
	Width  int
	Height int
	Data   []float32
	Header Header
}

// Header wraps a FITS header with typed, error-returning getters.
type Header struct {
	h *fitsio.Header
}

// Str returns a string-valued card.
func (h Header) Str(key string) (string, error) {
	card := h.card(key)
	if card == nil {
		return "", fmt.Errorf("header keyword %s missing", key)
	}
	s, ok := card.Value.(string)
	if !ok {
		return fmt.Sprintf("%v", card.Value), nil
	}
	return strings.TrimSpace(s), nil
}

// Float returns a numeric card as float64, accepting integer cards.
func (h Header) Float(key string) (float64, error) {
	card := h.card(key)
	if card == nil {
		return 0, fmt.Errorf("header keyword %s missing", key)
	}
	switch v := card.Value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("header keyword %s is not numeric (%T)", key, card.Value)
	}
}

// Has reports whether the keyword exists.
func (h Header) Has(key string) bool {
	return h.card(key) != nil
}

func (h Header) card(key string) *fitsio.Card {
	if h.h == nil {
		return nil
	}
	return h.h.Get(key)
}

// Load reads the primary HDU of a FITS file and converts the pixel
// array to float32, applying BSCALE/BZERO when present.
func Load(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	fits, err := fitsio.Open(f)
	if err != nil {
		return nil, fmt.Errorf("read FITS %s: %w", path, err)
	}
	defer fits.Close()

	hdu := fits.HDU(0)
	img, ok := hdu.(fitsio.Image)
	if !ok {
		return nil, fmt.Errorf("%s: primary HDU is not an image", path)
	}

	hdr := hdu.Header()
	axes := hdr.Axes()
	if len(axes) < 2 {
		return nil, fmt.Errorf("%s: expected 2D image, got %d axes", path, len(axes))
	}
	width, height := axes[0], axes[1]
	n := width * height

	data, err := readPixels(img, hdr.Bitpix(), n)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	// BSCALE/BZERO rescale raw integers to physical values. Common for
	// unsigned 16-bit cameras (BZERO=32768).
	h := Header{h: hdr}
	bscale, bzero := 1.0, 0.0
	if h.Has("BSCALE") {
		bscale, _ = h.Float("BSCALE")
	}
	if h.Has("BZERO") {
		bzero, _ = h.Float("BZERO")
	}
	if bscale != 1.0 || bzero != 0.0 {
		for i := range data {
			data[i] = float32(float64(data[i])*bscale + bzero)
		}
	}

	return &Image{
		Path:   path,
		Width:  width,
		Height: height,
		Data:   data,
		Header: h,
	}, nil
}

func readPixels(img fitsio.Image, bitpix, n int) ([]float32, error) {
	out := make([]float32, n)
	switch bitpix {
	case 8:
		var raw []int8
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			out[i] = float32(v)
		}
	case 16:
		var raw []int16
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			out[i] = float32(v)
		}
	case 32:
		var raw []int32
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			out[i] = float32(v)
		}
	case 64:
		var raw []int64
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			out[i] = float32(v)
		}
	case -32:
		if err := img.Read(&out); err != nil {
			return nil, err
		}
	case -64:
		var raw []float64
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			out[i] = float32(v)
		}
	default:
		return nil, fmt.Errorf("unsupported BITPIX %d", bitpix)
	}
	return out, nil
}

// Card is a header card to stamp on a written image.
type Card struct {
	Name    string
	Value   any
	Comment string
}

// WriteImage writes a float32 array as a single-HDU FITS file.
func WriteImage(path string, data []float32, width, height int, cards []Card) error {
	if len(data) != width*height {
		return fmt.Errorf("write %s: data length %d does not match %dx%d", path, len(data), width, height)
	}
	w, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer w.Close()

	out, err := fitsio.Create(w)
	if err != nil {
		return fmt.Errorf("create FITS %s: %w", path, err)
	}
	defer out.Close()

	img := fitsio.NewImage(-32, []int{width, height})
	defer img.Close()

	for _, c := range cards {
		if err := img.Header().Append(fitsio.Card{Name: c.Name, Value: c.Value, Comment: c.Comment}); err != nil {
			return fmt.Errorf("append card %s: %w", c.Name, err)
		}
	}
	if err := img.Write(&data); err != nil {
		return fmt.Errorf("write pixels %s: %w", path, err)
	}
	if err := out.Write(img); err != nil {
		return fmt.Errorf("write HDU %s: %w", path, err)
	}
	return nil
}

var fitsExts = map[string]struct{}{
	".fits": {},
	".fit":  {},
	".fts":  {},
}

// IsFITSFile reports whether path has a FITS extension.
func IsFITSFile(path string) bool {
	_, ok := fitsExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Entry is one discovered frame with the header values used for
// type/filter selection.
type Entry struct {
	Path      string
	ImageType string
	Filter    string
}

// List is the night's discovered frames in lexical path order. The
// order is fixed at scan time; selection never re-sorts.
type List struct {
	Entries []Entry
}

// Scan discovers FITS files directly under dir and records each frame's
// image type and filter, read via the instrument's keyword names.
// Unreadable files are logged and skipped: one corrupt frame must not
// abort the night.
func Scan(dir, imagetypKey, filterKey string, log *slog.Logger) (*List, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || !IsFITSFile(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)

	list := &List{}
	for _, p := range paths {
		imgType, filter, err := TypeAndFilter(p, imagetypKey, filterKey)
		if err != nil {
			log.Warn("skipping unreadable FITS file", "path", p, "error", err)
			continue
		}
		list.Entries = append(list.Entries, Entry{Path: p, ImageType: imgType, Filter: filter})
	}
	return list, nil
}

// TypeAndFilter reads the image-type and filter keywords from a file's
// primary header without decoding pixel data.
func TypeAndFilter(path, imagetypKey, filterKey string) (string, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	fits, err := fitsio.Open(f)
	if err != nil {
		return "", "", fmt.Errorf("read FITS %s: %w", path, err)
	}
	defer fits.Close()

	h := Header{h: fits.HDU(0).Header()}
	imgType, _ := h.Str(imagetypKey)
	filter, _ := h.Str(filterKey)
	return imgType, filter, nil
}

// Filter returns entries matching the IMAGETYP value and, when filter
// is non-empty, the filter name. Order is preserved.
func (l *List) Filter(imagetyp, filter string) []Entry {
	var out []Entry
	for _, e := range l.Entries {
		if e.ImageType != imagetyp {
			continue
		}
		if filter != "" && e.Filter != filter {
			continue
		}
		out = append(out, e)
	}
	return out
}
