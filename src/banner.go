package elmer

/*------------------------------------------------------------------
 *
 * Name:	banner
 *
 * Purpose:	Connect banner shown after a station authenticates.
 *
 *---------------------------------------------------------------*/

import "strings"

var bannerArt = `
  ______ _
 |  ____| |
 | |__  | |_ __ ___   ___ _ __
 |  __| | | '_ ` + "`" + ` _ \ / _ \ '__|
 | |____| | | | | | |  __/ |
 |______|_|_| |_| |_|\___|_|
`

// Banner returns the ASCII art greeting, with the station callsign
// and grid square appended when known.
func Banner(callsign, grid string) string {
	var b strings.Builder

	b.WriteString(bannerArt)

	var station []string
	if callsign != "" {
		station = append(station, callsign)
	}
	if grid != "" {
		station = append(station, grid)
	}

	if len(station) > 0 {
		b.WriteString("\n  Elmer • " + strings.Join(station, " • ") + "\n")
	} else {
		b.WriteString("\n  Elmer\n")
	}

	b.WriteString("  AI-Powered Amateur Radio BBS\n")

	return b.String()
}
