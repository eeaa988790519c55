/* Maidenhead grid square calculator for station planning. */
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	elmer "github.com/elmerbbs/elmer/src"
)

func main() {
	switch len(os.Args) {
	case 2:
		/* One argument: a grid square.  Print its center and UTM position. */
		var grid = os.Args[1]

		var lat, lon, err = elmer.GridToLatLon(grid)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s: latitude = %.6f, longitude = %.6f\n", strings.ToUpper(grid), lat, lon)

		var utmCoord, utmErr = elmer.GridToUTM(grid)
		if utmErr == nil {
			fmt.Printf("UTM zone = %d, hemisphere = %c, easting = %.0f, northing = %.0f\n",
				utmCoord.Zone, elmer.HemisphereRune(utmCoord.Hemisphere), utmCoord.Easting, utmCoord.Northing)
		} else {
			fmt.Printf("Conversion to UTM failed:\n%s\n", utmErr)
		}

	case 3:
		if elmer.ValidGrid(os.Args[1]) && elmer.ValidGrid(os.Args[2]) {
			/* Two grids: path between them. */
			var km, bearing, err = elmer.GridDistance(os.Args[1], os.Args[2])
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s\n", err)
				os.Exit(1)
			}

			fmt.Printf("%s to %s: %.1f km (%.1f mi), bearing %.0f deg\n",
				strings.ToUpper(os.Args[1]), strings.ToUpper(os.Args[2]), km, km*0.621371, bearing)

			return
		}

		/* Two numbers: latitude and longitude to a 6 character grid. */
		var lat, latErr = strconv.ParseFloat(os.Args[1], 64)

		var lon, lonErr = strconv.ParseFloat(os.Args[2], 64)

		if latErr != nil || lonErr != nil {
			usage()
		}

		var grid, err = elmer.LatLonToGrid(lat, lon, 3)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s\n", err)
			os.Exit(1)
		}

		fmt.Printf("latitude %.6f, longitude %.6f: %s\n", lat, lon, grid)

	default:
		usage()
	}
}

func usage() {
	fmt.Println("Maidenhead grid square calculator")
	fmt.Println("")
	fmt.Println("Usage:")
	fmt.Println("\telmer-gridcalc  grid")
	fmt.Println("\telmer-gridcalc  grid1  grid2")
	fmt.Println("\telmer-gridcalc  latitude  longitude")
	fmt.Println("")
	fmt.Println("where,")
	fmt.Println("\tgrid is a Maidenhead locator, 2 to 12 characters, e.g. FN42 or FN42ab.")
	fmt.Println("\tLatitude and longitude are in decimal degrees, negative for south or west.")
	fmt.Println("")
	fmt.Println("Examples:")
	fmt.Println("\telmer-gridcalc FN42")
	fmt.Println("\telmer-gridcalc FN42 IO91")
	fmt.Println("\telmer-gridcalc 42.662139 -71.365553")

	os.Exit(1)
}
