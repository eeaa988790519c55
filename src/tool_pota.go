package elmer

/*------------------------------------------------------------------
 *
 * Name:	tool_pota
 *
 * Purpose:	Fetch current Parks on the Air activator spots.
 *
 * Description:	The POTA API returns every current spot; filtering by
 *		band and recency happens here.  Band is derived from the
 *		spotted frequency because the API's own band field is
 *		unreliable for odd splits.
 *
 *---------------------------------------------------------------*/

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/go-retryablehttp"
)

const POTA_API_URL = "https://api.pota.app/spot/activator"

const POTA_TIME_FORMAT = "2006-01-02T15:04:05"

// bandRange is a ham band as a frequency window in MHz.
type bandRange struct {
	Name string
	Low  float64
	High float64
}

// HF through VHF allocations, loose enough to cover region variants.
var HAM_BANDS = []bandRange{
	{"160m", 1.8, 2.0},
	{"80m", 3.5, 4.0},
	{"60m", 5.3, 5.4},
	{"40m", 7.0, 7.3},
	{"30m", 10.1, 10.15},
	{"20m", 14.0, 14.35},
	{"17m", 18.068, 18.168},
	{"15m", 21.0, 21.45},
	{"12m", 24.89, 24.99},
	{"10m", 28.0, 29.7},
	{"6m", 50.0, 54.0},
	{"2m", 144.0, 148.0},
}

// FreqToBand converts a frequency in kHz to a band name, or "" when
// the frequency falls outside the amateur allocations.
func FreqToBand(freqKHz float64) string {
	freqMHz := freqKHz / 1000.0
	for _, b := range HAM_BANDS {
		if freqMHz >= b.Low && freqMHz <= b.High {
			return b.Name
		}
	}
	return ""
}

type POTASpotsTool struct {
	enabled     bool
	maxSpots    int
	stationGrid string
	baseURL     string
	http        *retryablehttp.Client
	now         func() time.Time
	log         *log.Logger
}

// NewPOTASpotsTool builds the spot tool.  When stationGrid is a valid
// locator, each spot carrying a grid gains distance and bearing from
// the station.
func NewPOTASpotsTool(cfg POTAConfig, stationGrid string, logger *log.Logger) *POTASpotsTool {
	if logger == nil {
		logger = log.Default()
	}
	if !ValidGrid(stationGrid) {
		stationGrid = ""
	}

	var client = retryablehttp.NewClient()
	client.RetryMax = 2
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = nil

	var maxSpots = cfg.MaxSpots
	if maxSpots <= 0 {
		maxSpots = 10
	}

	return &POTASpotsTool{
		enabled:     cfg.Enabled,
		maxSpots:    maxSpots,
		stationGrid: stationGrid,
		baseURL:     POTA_API_URL,
		http:        client,
		now:         time.Now,
		log:         logger.WithPrefix("pota"),
	}
}

func (t *POTASpotsTool) Name() string { return "pota_spots" }

func (t *POTASpotsTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name: "pota_spots",
		Description: "Fetch current POTA (Parks on the Air) activator spots. Returns a list " +
			"of amateur radio operators currently activating parks. You can filter by band " +
			"(e.g., '20m', '40m') and time window. Use this when users ask about POTA " +
			"activations, park activators, or who's on the air in parks.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]SchemaProp{
				"band": {
					Type:        "string",
					Description: "Amateur radio band to filter (e.g., '20m', '40m', '80m'). Leave empty for all bands.",
					Enum:        []string{"160m", "80m", "60m", "40m", "30m", "20m", "17m", "15m", "12m", "10m", "6m", "2m", ""},
				},
				"minutes": {
					Type:        "integer",
					Description: "How many minutes back to look for spots (default: 30)",
					Default:     30,
				},
			},
			Required: []string{},
		},
	}
}

// potaAPISpot is one element of the API's array.  Frequency arrives as
// a string of kHz.
type potaAPISpot struct {
	Spotter      string `json:"spotter"`
	Activator    string `json:"activator"`
	Frequency    string `json:"frequency"`
	Mode         string `json:"mode"`
	Reference    string `json:"reference"`
	Name         string `json:"name"`
	LocationDesc string `json:"locationDesc"`
	Grid6        string `json:"grid6"`
	SpotTime     string `json:"spotTime"`
	Comments     string `json:"comments"`
}

type potaSpot struct {
	Spotter     string           `json:"spotter"`
	Activator   string           `json:"activator"`
	Frequency   float64          `json:"frequency"`
	Band        string           `json:"band,omitempty"`
	Mode        string           `json:"mode"`
	Park        string           `json:"park"`
	ParkName    string           `json:"park_name"`
	Location    string           `json:"location"`
	Grid        string           `json:"grid,omitempty"`
	FromStation *qrzToolDistance `json:"distance_from_station,omitempty"`
	Time        string           `json:"time"`
	Comments    string           `json:"comments"`
}

func (t *POTASpotsTool) fetch(ctx context.Context) ([]potaAPISpot, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, t.baseURL, nil)
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

	var spots []potaAPISpot
	if err := json.Unmarshal(body, &spots); err != nil {
		return nil, err
	}

	return spots, nil
}

func (t *POTASpotsTool) Invoke(ctx context.Context, tc ToolContext, input json.RawMessage) string {
	if !t.enabled {
		return toolJSON(map[string]string{"error": "POTA spots tool is disabled"})
	}

	var args struct {
		Band    string `json:"band"`
		Minutes int    `json:"minutes"`
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return toolError("Error processing POTA spots: %v", err)
		}
	}
	if args.Minutes <= 0 {
		args.Minutes = 30
	}

	t.log.Info("fetching spots", "band", args.Band, "minutes", args.Minutes)

	apiSpots, err := t.fetch(ctx)
	if err != nil {
		t.log.Error("fetch failed", "err", err)
		return toolError("Failed to fetch POTA spots: %v", err)
	}

	threshold := t.now().UTC().Add(-time.Duration(args.Minutes) * time.Minute)

	var spots []potaSpot
	for _, raw := range apiSpots {
		spotTime, err := time.Parse(POTA_TIME_FORMAT, raw.SpotTime)
		if err != nil {
			continue
		}
		if spotTime.Before(threshold) {
			continue
		}

		freqKHz, err := strconv.ParseFloat(strings.TrimSpace(raw.Frequency), 64)
		if err != nil {
			continue
		}

		band := FreqToBand(freqKHz)
		if args.Band != "" && band != args.Band {
			continue
		}

		var spot = potaSpot{
			Spotter:   raw.Spotter,
			Activator: raw.Activator,
			Frequency: freqKHz,
			Band:      band,
			Mode:      raw.Mode,
			Park:      raw.Reference,
			ParkName:  raw.Name,
			Location:  raw.LocationDesc,
			Grid:      raw.Grid6,
			Time:      raw.SpotTime,
			Comments:  raw.Comments,
		}

		if t.stationGrid != "" && ValidGrid(raw.Grid6) {
			if km, bearing, err := GridDistance(t.stationGrid, raw.Grid6); err == nil {
				spot.FromStation = &qrzToolDistance{
					Km:         math.Round(km),
					Miles:      math.Round(km * 0.621371),
					BearingDeg: math.Round(bearing),
				}
			}
		}

		spots = append(spots, spot)
	}

	// Most recent first; the timestamp format sorts lexically.
	sort.Slice(spots, func(i, j int) bool { return spots[i].Time > spots[j].Time })

	if len(spots) > t.maxSpots {
		spots = spots[:t.maxSpots]
	}

	if spots == nil {
		spots = []potaSpot{}
	}

	bandLabel := args.Band
	if bandLabel == "" {
		bandLabel = "all"
	}

	t.log.Info("spots found", "count", len(spots))

	return toolJSON(map[string]any{
		"band":                bandLabel,
		"time_window_minutes": args.Minutes,
		"count":               len(spots),
		"spots":               spots,
	})
}
