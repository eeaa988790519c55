package elmer

/*------------------------------------------------------------------
 *
 * Name:	locator
 *
 * Purpose:	Maidenhead grid square conversions, plus great-circle
 *		distance and bearing between locators.
 *
 * Description:	Grid squares are the position currency of amateur
 *		radio: operators exchange 4 or 6 character locators
 *		instead of coordinates.  Conversions accept 1 to 6
 *		pairs of characters and return the center of the
 *		square, so a round trip through a short locator moves
 *		a point to its square's center rather than its corner.
 *
 *---------------------------------------------------------------*/

import (
	"fmt"
	"math"
	"strings"

	"github.com/golang/geo/s2"
	"github.com/tzneal/coordconv"
)

const EARTH_RADIUS_KM = 6371.0

type gridPair struct {
	position string
	minCh    byte
	maxCh    byte
	value    int
}

// Alternating letter and digit pairs, most significant first.  The
// value is how many smallest units one step of that pair spans.
var gridPairs = []gridPair{
	{"first", 'A', 'R', 10 * 24 * 10 * 24 * 10 * 2},
	{"second", '0', '9', 24 * 10 * 24 * 10 * 2},
	{"third", 'A', 'X', 10 * 24 * 10 * 2},
	{"fourth", '0', '9', 24 * 10 * 2},
	{"fifth", 'A', 'X', 10 * 2},
	{"sixth", '0', '9', 2},
}

// Total smallest units across the longitude range.  Latitude uses the
// same count over half the degrees.
const gridUnits = 18 * 10 * 24 * 10 * 24 * 10 * 2

// GridToLatLon converts a Maidenhead locator of 1 to 6 pairs to the
// latitude and longitude of its square's center.
func GridToLatLon(grid string) (float64, float64, error) {
	var np = len(grid) / 2

	if len(grid)%2 != 0 || np < 1 || np > len(gridPairs) {
		return 0, 0, fmt.Errorf("locator %q must be 1 to %d pairs of characters", grid, len(gridPairs))
	}

	var mh = strings.ToUpper(grid)

	var ilat, ilon int
	for n := 0; n < np; n++ {
		var p = gridPairs[n]

		if mh[2*n] < p.minCh || mh[2*n] > p.maxCh ||
			mh[2*n+1] < p.minCh || mh[2*n+1] > p.maxCh {
			return 0, 0, fmt.Errorf("the %s pair of locator %q must be in the range %c thru %c",
				p.position, grid, p.minCh, p.maxCh)
		}

		ilon += int(mh[2*n]-p.minCh) * p.value
		ilat += int(mh[2*n+1]-p.minCh) * p.value

		if n == np-1 { // Last pair: take the center of the square.
			ilon += p.value / 2
			ilat += p.value / 2
		}
	}

	var lat = float64(ilat)/gridUnits*180 - 90
	var lon = float64(ilon)/gridUnits*360 - 180

	return lat, lon, nil
}

// LatLonToGrid renders a position as a locator with the requested
// number of pairs (2 pairs = "FN31" style, 3 = "FN31pr" style).
func LatLonToGrid(lat, lon float64, pairs int) (string, error) {
	if pairs < 1 || pairs > len(gridPairs) {
		return "", fmt.Errorf("locator length must be 1 to %d pairs", len(gridPairs))
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return "", fmt.Errorf("position %.4f %.4f out of range", lat, lon)
	}

	var ilon = int((lon + 180) / 360 * gridUnits)
	var ilat = int((lat + 90) / 180 * gridUnits)

	// The north pole and the antimeridian land one past the end.
	if ilon >= gridUnits {
		ilon = gridUnits - 1
	}
	if ilat >= gridUnits {
		ilat = gridUnits - 1
	}

	var b strings.Builder
	for n := 0; n < pairs; n++ {
		var p = gridPairs[n]
		b.WriteByte(p.minCh + byte(ilon/p.value))
		b.WriteByte(p.minCh + byte(ilat/p.value))
		ilon %= p.value
		ilat %= p.value
	}

	return b.String(), nil
}

// ValidGrid reports whether s parses as a Maidenhead locator.
func ValidGrid(s string) bool {
	var _, _, err = GridToLatLon(s)
	return err == nil
}

// GridDistance returns the great-circle distance in kilometers and the
// initial bearing in degrees from locator a to locator b.
func GridDistance(a, b string) (float64, float64, error) {
	lat1, lon1, err := GridToLatLon(a)
	if err != nil {
		return 0, 0, err
	}

	lat2, lon2, err := GridToLatLon(b)
	if err != nil {
		return 0, 0, err
	}

	var p1 = s2.LatLngFromDegrees(lat1, lon1)
	var p2 = s2.LatLngFromDegrees(lat2, lon2)

	var km = float64(p1.Distance(p2)) * EARTH_RADIUS_KM

	return km, initialBearing(lat1, lon1, lat2, lon2), nil
}

func initialBearing(lat1, lon1, lat2, lon2 float64) float64 {
	lat1 *= math.Pi / 180
	lat2 *= math.Pi / 180
	var dlon = (lon2 - lon1) * math.Pi / 180

	var y = math.Sin(dlon) * math.Cos(lat2)
	var x = math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dlon)

	var deg = math.Atan2(y, x) * 180 / math.Pi

	return math.Mod(deg+360, 360)
}

/*-------------------------------------------------------------------
 *
 * UTM, for operators who log positions that way.
 *
 *---------------------------------------------------------------*/

// GridToUTM converts a locator to UTM via its square's center.
func GridToUTM(grid string) (coordconv.UTMCoord, error) {
	var lat, lon, err = GridToLatLon(grid)
	if err != nil {
		return coordconv.UTMCoord{}, err
	}

	return coordconv.DefaultUTMConverter.ConvertFromGeodetic(s2.LatLngFromDegrees(lat, lon), 0)
}

// HemisphereRune renders a coordconv hemisphere for display.
func HemisphereRune(h coordconv.Hemisphere) rune {
	switch h {
	case coordconv.HemisphereNorth:
		return 'N'
	case coordconv.HemisphereSouth:
		return 'S'
	default:
		return '?'
	}
}
