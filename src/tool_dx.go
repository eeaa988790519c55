package elmer

/*------------------------------------------------------------------
 *
 * Name:	tool_dx
 *
 * Purpose:	Fetch DX cluster spots from the HamQTH cluster feed.
 *
 * Description:	HamQTH serves a caret-delimited CSV refreshed every 15
 *		seconds, so responses are cached for that long per
 *		band/mode pair.  The feed has no mode column; mode is
 *		inferred by scanning the spotter's comment for known
 *		mode strings.
 *
 *---------------------------------------------------------------*/

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	DXC_API_URL        = "https://www.hamqth.com/dxc_csv.php"
	DXC_CACHE_DURATION = 15 * time.Second
	DXC_TIME_FORMAT    = "1504 2006-01-02"
	DXC_FETCH_LIMIT    = "200"
	DXC_MAX_MINUTES    = 120
)

// modeAlias maps a filter keyword to the mode strings it covers.  The
// scan order matters: it is also the order used when sniffing a mode
// out of a spot comment.
type modeAlias struct {
	Key   string
	Modes []string
}

var DX_MODE_ALIASES = []modeAlias{
	{"ssb", []string{"SSB", "USB", "LSB", "PHONE"}},
	{"cw", []string{"CW", "CWL", "CWU"}},
	{"digital", []string{"FT8", "FT4", "RTTY", "PSK31", "PSK", "JT65", "MFSK", "OLIVIA", "THOR"}},
	{"ft8", []string{"FT8"}},
	{"ft4", []string{"FT4"}},
	{"rtty", []string{"RTTY"}},
	{"psk", []string{"PSK31", "PSK"}},
	{"phone", []string{"SSB", "USB", "LSB", "PHONE", "AM", "FM"}},
}

// sniffMode pulls a mode out of a spot comment by substring match.
func sniffMode(comment string) string {
	upper := strings.ToUpper(comment)
	for _, alias := range DX_MODE_ALIASES {
		for _, m := range alias.Modes {
			if strings.Contains(upper, m) {
				return m
			}
		}
	}
	return ""
}

// modeMatches reports whether a sniffed mode satisfies the user's
// filter, honoring the alias groups.
func modeMatches(spotMode, filter string) bool {
	if spotMode == strings.ToUpper(filter) {
		return true
	}
	lower := strings.ToLower(filter)
	for _, alias := range DX_MODE_ALIASES {
		if alias.Key != lower {
			continue
		}
		for _, m := range alias.Modes {
			if spotMode == m {
				return true
			}
		}
	}
	return false
}

type DXClusterTool struct {
	enabled  bool
	maxSpots int
	baseURL  string
	http     *retryablehttp.Client
	now      func() time.Time
	log      *log.Logger

	mu        sync.Mutex
	cacheKey  string
	cacheData []string
	cacheAt   time.Time
}

func NewDXClusterTool(cfg DXClusterConfig, logger *log.Logger) *DXClusterTool {
	if logger == nil {
		logger = log.Default()
	}

	maxSpots := cfg.MaxSpots
	if maxSpots <= 0 {
		maxSpots = 15
	}

	var client = retryablehttp.NewClient()
	client.RetryMax = 2
	client.HTTPClient.Timeout = 15 * time.Second
	client.Logger = nil

	return &DXClusterTool{
		enabled:  cfg.Enabled,
		maxSpots: maxSpots,
		baseURL:  DXC_API_URL,
		http:     client,
		now:      time.Now,
		log:      logger.WithPrefix("dxc"),
	}
}

func (t *DXClusterTool) Name() string { return "dx_cluster" }

func (t *DXClusterTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name: "dx_cluster",
		Description: "Fetch current DX cluster spots showing active amateur radio stations. " +
			"Returns a list of stations (callsigns) currently on the air with their " +
			"frequencies, bands, modes, and comments from spotters. You can filter by band " +
			"(e.g., '20m', '40m') and mode (e.g., 'CW', 'SSB', 'FT8'). Use this when users " +
			"ask about DX spots, what's on the air, cluster spots, or activity on specific " +
			"bands/modes like '20m CW' or '17m SSB'.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]SchemaProp{
				"band": {
					Type:        "string",
					Description: "Amateur radio band to filter (e.g., '20m', '40m', '80m'). Leave empty for all bands.",
					Enum:        []string{"", "160m", "80m", "60m", "40m", "30m", "20m", "17m", "15m", "12m", "10m", "6m", "2m"},
				},
				"mode": {
					Type: "string",
					Description: "Operating mode to filter (e.g., 'CW', 'SSB', 'FT8', 'RTTY'). Leave empty " +
						"for all modes. Supports aliases: 'ssb'=phone modes, 'digital'=all digital modes.",
					Enum: []string{"", "CW", "SSB", "FT8", "FT4", "RTTY", "PSK", "digital", "phone"},
				},
				"minutes": {
					Type:        "integer",
					Description: "How many minutes back to look for spots (default: 30, max: 120)",
					Default:     30,
				},
			},
			Required: []string{},
		},
	}
}

type dxSpot struct {
	DXCall     string  `json:"dx_call"`
	Frequency  float64 `json:"frequency"`
	Band       string  `json:"band"`
	Mode       string  `json:"mode"`
	Spotter    string  `json:"spotter"`
	Comment    string  `json:"comment"`
	Time       string  `json:"time"`
	AgeMinutes int     `json:"age_minutes"`
}

// fetchLines returns the raw CSV lines, from cache when fresh.
func (t *DXClusterTool) fetchLines(ctx context.Context, band, mode string) ([]string, error) {
	cacheKey := band + "_" + mode

	t.mu.Lock()
	if t.cacheData != nil && t.cacheKey == cacheKey && t.now().Sub(t.cacheAt) < DXC_CACHE_DURATION {
		lines := t.cacheData
		t.mu.Unlock()
		return lines, nil
	}
	t.mu.Unlock()

	params := url.Values{}
	params.Set("limit", DXC_FETCH_LIMIT)
	if band != "" {
		params.Set("band", strings.ToUpper(band))
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	lines := strings.Split(strings.TrimSpace(string(body)), "\n")

	t.mu.Lock()
	t.cacheKey = cacheKey
	t.cacheData = lines
	t.cacheAt = t.now()
	t.mu.Unlock()

	return lines, nil
}

func (t *DXClusterTool) Invoke(ctx context.Context, tc ToolContext, input json.RawMessage) string {
	if !t.enabled {
		return toolJSON(map[string]string{"error": "DX Cluster tool is disabled"})
	}

	var args struct {
		Band    string `json:"band"`
		Mode    string `json:"mode"`
		Minutes int    `json:"minutes"`
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return toolError("Error processing DX spots: %v", err)
		}
	}
	if args.Minutes <= 0 {
		args.Minutes = 30
	}
	if args.Minutes > DXC_MAX_MINUTES {
		args.Minutes = DXC_MAX_MINUTES
	}

	t.log.Info("fetching spots", "band", args.Band, "mode", args.Mode, "minutes", args.Minutes)

	lines, err := t.fetchLines(ctx, args.Band, args.Mode)
	if err != nil {
		t.log.Error("fetch failed", "err", err)
		return toolError("Failed to fetch DX spots: %v", err)
	}

	now := t.now().UTC()
	threshold := now.Add(-time.Duration(args.Minutes) * time.Minute)

	var spots []dxSpot
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}

		// DXCall^Freq^Spotter^Comment^DateTime^LoTW^eQSL^?^Continent^Band^Country^DXCC
		fields := strings.Split(line, "^")
		if len(fields) < 10 {
			continue
		}

		dxCall := strings.TrimSpace(fields[0])
		freqStr := strings.TrimSpace(fields[1])
		spotter := strings.TrimSpace(fields[2])
		comment := strings.TrimSpace(fields[3])
		dtStr := strings.TrimSpace(fields[4])
		spotBand := strings.ToLower(strings.TrimSpace(fields[9]))

		freqKHz, err := strconv.ParseFloat(freqStr, 64)
		if err != nil {
			continue
		}

		spotTime, err := time.Parse(DXC_TIME_FORMAT, dtStr)
		if err != nil {
			continue
		}
		if spotTime.Before(threshold) {
			continue
		}

		spotMode := sniffMode(comment)

		// Spots with no sniffable mode pass any mode filter.
		if args.Mode != "" && spotMode != "" && !modeMatches(spotMode, args.Mode) {
			continue
		}

		if len(comment) > 50 {
			comment = comment[:50]
		}

		if spotBand == "" {
			spotBand = "unknown"
		}
		if spotMode == "" {
			spotMode = "Unknown"
		}

		datePart := dtStr
		if idx := strings.IndexByte(dtStr, ' '); idx >= 0 {
			datePart = dtStr[idx+1:]
		}

		spots = append(spots, dxSpot{
			DXCall:     dxCall,
			Frequency:  freqKHz,
			Band:       spotBand,
			Mode:       spotMode,
			Spotter:    spotter,
			Comment:    comment,
			Time:       datePart,
			AgeMinutes: int(now.Sub(spotTime).Minutes()),
		})
	}

	sort.SliceStable(spots, func(i, j int) bool { return spots[i].AgeMinutes < spots[j].AgeMinutes })

	total := len(spots)
	if len(spots) > t.maxSpots {
		spots = spots[:t.maxSpots]
	}
	if spots == nil {
		spots = []dxSpot{}
	}

	bandLabel := args.Band
	if bandLabel == "" {
		bandLabel = "all"
	}
	modeLabel := args.Mode
	if modeLabel == "" {
		modeLabel = "all"
	}

	t.log.Info("spots found", "total", total, "returned", len(spots))

	return toolJSON(map[string]any{
		"band":                bandLabel,
		"mode":                modeLabel,
		"time_window_minutes": args.Minutes,
		"total_spots":         total,
		"returned_spots":      len(spots),
		"spots":               spots,
	})
}
