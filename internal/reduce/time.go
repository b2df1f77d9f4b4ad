package reduce

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"photpipe/internal/config"
)

const (
	j2000 = 2451545.0

	// Light time for one AU, in days.
	auLightDays = 499.004783836 / 86400.0

	// Light time across one Earth equatorial radius, in days.
	earthRadiusLightDays = earthRadiusM / 299792458.0 / 86400.0

	earthRadiusM = 6378137.0

	// TT-UTC in seconds: 37 leap seconds + 32.184 (TAI->TT).
	ttMinusUTC = 69.184

	deg2rad = math.Pi / 180
)

// JulianDate converts a UTC time to Julian Date using the standard
// astronomical algorithm.
func JulianDate(t time.Time) float64 {
	t = t.UTC()
	y := float64(t.Year())
	m := float64(t.Month())
	d := float64(t.Day())
	h := float64(t.Hour())
	min := float64(t.Minute())
	s := float64(t.Second()) + float64(t.Nanosecond())/1e9

	// Jan/Feb count as months 13/14 of the previous year.
	if m <= 2 {
		y -= 1
		m += 12
	}

	a := math.Floor(y / 100)
	b := 2 - a + math.Floor(a/4)

	jd := math.Floor(365.25*(y+4716)) + math.Floor(30.6001*(m+1)) + d + b - 1524.5
	jd += (h + min/60.0 + s/3600.0) / 24.0
	return jd
}

// sunPosition returns the Sun's apparent geocentric RA/Dec (radians)
// and the Earth-Sun distance in AU, from the low-precision series in
// Meeus, "Astronomical Algorithms" ch. 25.
func sunPosition(jd float64) (ra, dec, dist float64) {
	T := (jd - j2000) / 36525.0

	L0 := 280.46646 + 36000.76983*T + 0.0003032*T*T
	M := 357.52911 + 35999.05029*T - 0.0001537*T*T
	e := 0.016708634 - 0.000042037*T - 0.0000001267*T*T

	Mr := M * deg2rad
	C := (1.914602-0.004817*T-0.000014*T*T)*math.Sin(Mr) +
		(0.019993-0.000101*T)*math.Sin(2*Mr) +
		0.000289*math.Sin(3*Mr)

	trueLong := L0 + C
	nu := (M + C) * deg2rad
	dist = 1.000001018 * (1 - e*e) / (1 + e*math.Cos(nu))

	omega := (125.04 - 1934.136*T) * deg2rad
	lambda := (trueLong - 0.00569 - 0.00478*math.Sin(omega)) * deg2rad

	eps := (23.439291 - 0.0130042*T + 0.00256*math.Cos(omega)) * deg2rad

	ra = math.Atan2(math.Cos(eps)*math.Sin(lambda), math.Cos(lambda))
	if ra < 0 {
		ra += 2 * math.Pi
	}
	dec = math.Asin(math.Sin(eps) * math.Sin(lambda))
	return ra, dec, dist
}

// HeliocentricCorrection returns the light-travel-time correction, in
// days, to add to a JD for a target at (ra, dec) radians.
func HeliocentricCorrection(jd, ra, dec float64) float64 {
	sunRA, sunDec, r := sunPosition(jd)
	cosTheta := math.Sin(dec)*math.Sin(sunDec) +
		math.Cos(dec)*math.Cos(sunDec)*math.Cos(ra-sunRA)
	return -r * auLightDays * cosTheta
}

// gmst returns Greenwich mean sidereal time in radians, from the
// polynomial in Meeus ch. 12.
func gmst(jd float64) float64 {
	T := (jd - j2000) / 36525.0
	deg := 280.46061837 + 360.98564736629*(jd-j2000) +
		0.000387933*T*T - T*T*T/38710000.0
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg * deg2rad
}

// observerCorrection is the topocentric part of the light-travel
// correction: the observer's displacement from the geocentre projected
// onto the target direction, in days. At most ~21 ms.
func observerCorrection(jd, ra, dec float64, loc config.Observatory) float64 {
	lst := gmst(jd) + loc.Longitude*deg2rad
	lat := loc.Latitude * deg2rad
	r := earthRadiusLightDays * (1 + loc.Elevation/earthRadiusM)
	cosTheta := math.Cos(lat)*math.Cos(dec)*math.Cos(lst-ra) +
		math.Sin(lat)*math.Sin(dec)
	return -r * cosTheta
}

// TimeStandards computes JD (UTC), HJD and BJD for a mid-exposure time
// and target coordinates as seen from loc. The light-travel correction
// carries both the Earth-Sun and the observer-geocentre terms; the
// barycentric value is approximated on the TDB timescale, with the
// Sun-barycentre offset of up to ~4 seconds not modelled.
func TimeStandards(mid time.Time, raRad, decRad float64, loc config.Observatory) (jd, bjd, hjd float64) {
	jd = JulianDate(mid)
	corr := HeliocentricCorrection(jd, raRad, decRad) +
		observerCorrection(jd, raRad, decRad, loc)
	hjd = jd + corr
	bjd = jd + ttMinusUTC/86400.0 + corr
	return jd, bjd, hjd
}

// ParseRA parses a right ascension header value, either sexagesimal
// hours ("HH:MM:SS.S") or decimal degrees, to radians.
func ParseRA(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, ":") {
		hours, err := parseSexagesimal(s)
		if err != nil {
			return 0, fmt.Errorf("RA %q: %w", s, err)
		}
		return hours * 15 * deg2rad, nil
	}
	deg, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("RA %q: %w", s, err)
	}
	return deg * deg2rad, nil
}

// ParseDec parses a declination header value, either sexagesimal
// degrees ("+DD:MM:SS") or decimal degrees, to radians.
func ParseDec(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, ":") {
		deg, err := parseSexagesimal(s)
		if err != nil {
			return 0, fmt.Errorf("Dec %q: %w", s, err)
		}
		return deg * deg2rad, nil
	}
	deg, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("Dec %q: %w", s, err)
	}
	return deg * deg2rad, nil
}

func parseSexagesimal(s string) (float64, error) {
	sign := 1.0
	switch {
	case strings.HasPrefix(s, "-"):
		sign = -1
		s = s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("want three colon-separated fields, got %d", len(parts))
	}
	var v [3]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return 0, fmt.Errorf("bad field %q", p)
		}
		v[i] = f
	}
	return sign * (v[0] + v[1]/60 + v[2]/3600), nil
}

// dateObsLayouts covers the DATE-OBS formats instruments write.
var dateObsLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
}

// ParseDateObs parses a DATE-OBS header value as UTC.
func ParseDateObs(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateObsLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable DATE-OBS %q", s)
}
