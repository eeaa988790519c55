package elmer

/*------------------------------------------------------------------
 *
 * Name:	tool_bands
 *
 * Purpose:	Report HF propagation conditions and solar indices from
 *		the HamQSL (N0NBH) solar XML feed.
 *
 * Description:	The feed updates infrequently, so one parse is cached
 *		for an hour.  Band conditions arrive as band-group
 *		elements keyed by name and day/night attributes; VHF
 *		phenomena ride along in a sibling element.  Note the
 *		feed spells the electron flux element "electonflux".
 *
 *---------------------------------------------------------------*/

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	HAMQSL_API_URL        = "https://www.hamqsl.com/solarxml.php"
	HAMQSL_CACHE_DURATION = time.Hour
)

// The feed's band groups, in display order.
var HAMQSL_BAND_GROUPS = []string{"80m-40m", "30m-20m", "17m-15m", "12m-10m"}

type hamqslBandXML struct {
	Name      string `xml:"name,attr"`
	Time      string `xml:"time,attr"`
	Condition string `xml:",chardata"`
}

type hamqslPhenomenonXML struct {
	Name     string `xml:"name,attr"`
	Location string `xml:"location,attr"`
}

type hamqslSolarDataXML struct {
	Updated       string                `xml:"updated"`
	SolarFlux     string                `xml:"solarflux"`
	Sunspots      string                `xml:"sunspots"`
	AIndex        string                `xml:"aindex"`
	KIndex        string                `xml:"kindex"`
	XRay          string                `xml:"xray"`
	HeliumLine    string                `xml:"heliumline"`
	ProtonFlux    string                `xml:"protonflux"`
	ElectronFlux  string                `xml:"electonflux"`
	SolarWind     string                `xml:"solarwind"`
	MagneticField string                `xml:"magneticfield"`
	Aurora        string                `xml:"aurora"`
	SignalNoise   string                `xml:"signalnoise"`
	Bands         []hamqslBandXML       `xml:"calculatedconditions>band"`
	Phenomena     []hamqslPhenomenonXML `xml:"calculatedvhfconditions>phenomenon"`
}

type hamqslXML struct {
	XMLName xml.Name           `xml:"solar"`
	Data    hamqslSolarDataXML `xml:"solardata"`
}

// solarConditions is the parsed, cacheable form.
type solarConditions struct {
	Updated        string
	SolarFlux      string
	Sunspots       string
	AIndex         string
	KIndex         string
	XRay           string
	HeliumLine     string
	ProtonFlux     string
	ElectronFlux   string
	SolarWind      string
	MagneticField  string
	Aurora         string
	SignalNoise    string
	BandConditions map[string]string // "80m-40m_day" -> "Good"
	VHFConditions  map[string]string // phenomenon name -> location
}

type BandConditionsTool struct {
	enabled bool
	baseURL string
	http    *retryablehttp.Client
	now     func() time.Time
	log     *log.Logger

	mu      sync.Mutex
	cache   *solarConditions
	cacheAt time.Time
}

func NewBandConditionsTool(cfg BandConditionsConfig, logger *log.Logger) *BandConditionsTool {
	if logger == nil {
		logger = log.Default()
	}

	var client = retryablehttp.NewClient()
	client.RetryMax = 2
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = nil

	return &BandConditionsTool{
		enabled: cfg.Enabled,
		baseURL: HAMQSL_API_URL,
		http:    client,
		now:     time.Now,
		log:     logger.WithPrefix("bands"),
	}
}

func (t *BandConditionsTool) Name() string { return "band_conditions" }

func (t *BandConditionsTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name: "band_conditions",
		Description: "Get current HF amateur radio band propagation conditions and solar indices. " +
			"Provides information about which bands are open (80m, 40m, 30m, 20m, 17m, 15m, 12m, 10m), " +
			"current solar flux, sunspot numbers, K-index, and geomagnetic conditions. " +
			"Use this when users ask about band conditions, propagation, solar activity, " +
			"which bands are open, or if a specific band like 20m or 40m is good for operating.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]SchemaProp{
				"action": {
					Type: "string",
					Enum: []string{"summary", "solar", "band_detail"},
					Description: "Action to perform: 'summary' for overall conditions, " +
						"'solar' for detailed solar indices, " +
						"'band_detail' for specific band information",
				},
				"band": {
					Type: "string",
					Description: "Specific band to query (e.g., '20m', '40m'). " +
						"Only used with band_detail action",
				},
			},
			Required: []string{"action"},
		},
	}
}

func (t *BandConditionsTool) fetch(ctx context.Context) (*solarConditions, error) {
	t.mu.Lock()
	if t.cache != nil && t.now().Sub(t.cacheAt) < HAMQSL_CACHE_DURATION {
		data := t.cache
		t.mu.Unlock()
		return data, nil
	}
	t.mu.Unlock()

	t.log.Info("fetching solar data", "url", t.baseURL)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, t.baseURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch data from HamQSL: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch data from HamQSL: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch data from HamQSL: %v", err)
	}

	var parsed hamqslXML
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse XML response: %v", err)
	}

	sd := parsed.Data

	bands := make(map[string]string)
	for _, b := range sd.Bands {
		if b.Name == "" {
			continue
		}
		cond := strings.TrimSpace(b.Condition)
		if cond == "" {
			cond = "Unknown"
		}
		key := strings.ToLower(b.Name + "_" + b.Time)
		bands[key] = cond
	}

	vhf := make(map[string]string)
	for _, p := range sd.Phenomena {
		if p.Name == "" {
			continue
		}
		vhf[strings.ToLower(p.Name)] = p.Location
	}

	data := &solarConditions{
		Updated:        strings.TrimSpace(sd.Updated),
		SolarFlux:      strings.TrimSpace(sd.SolarFlux),
		Sunspots:       strings.TrimSpace(sd.Sunspots),
		AIndex:         strings.TrimSpace(sd.AIndex),
		KIndex:         strings.TrimSpace(sd.KIndex),
		XRay:           strings.TrimSpace(sd.XRay),
		HeliumLine:     strings.TrimSpace(sd.HeliumLine),
		ProtonFlux:     strings.TrimSpace(sd.ProtonFlux),
		ElectronFlux:   strings.TrimSpace(sd.ElectronFlux),
		SolarWind:      strings.TrimSpace(sd.SolarWind),
		MagneticField:  strings.TrimSpace(sd.MagneticField),
		Aurora:         strings.TrimSpace(sd.Aurora),
		SignalNoise:    strings.TrimSpace(sd.SignalNoise),
		BandConditions: bands,
		VHFConditions:  vhf,
	}

	t.mu.Lock()
	t.cache = data
	t.cacheAt = t.now()
	t.mu.Unlock()

	return data, nil
}

// dayNightSplit separates the flat condition map into per-daypart maps
// keyed by band group.
func dayNightSplit(conditions map[string]string) (day, night map[string]string) {
	day = make(map[string]string)
	night = make(map[string]string)
	for key, value := range conditions {
		switch {
		case strings.Contains(key, "_day"):
			day[strings.Replace(key, "_day", "", 1)] = value
		case strings.Contains(key, "_night"):
			night[strings.Replace(key, "_night", "", 1)] = value
		}
	}
	return day, night
}

func summaryText(data *solarConditions, day, night map[string]string) string {
	var lines []string
	lines = append(lines, fmt.Sprintf("Current Band Conditions (Updated: %s)", data.Updated))
	lines = append(lines, fmt.Sprintf("Solar Flux: %s | Sunspots: %s | K-Index: %s",
		data.SolarFlux, data.Sunspots, data.KIndex))
	lines = append(lines, "")
	lines = append(lines, "HF Bands (Daytime):")

	appendBands := func(conditions map[string]string) {
		for _, band := range HAMQSL_BAND_GROUPS {
			condition, ok := conditions[band]
			if !ok {
				condition = "Unknown"
			}
			marker := ""
			switch strings.ToLower(condition) {
			case "good", "excellent":
				marker = " ★"
			}
			lines = append(lines, fmt.Sprintf("  %s: %s%s", band, condition, marker))
		}
	}

	appendBands(day)
	lines = append(lines, "")
	lines = append(lines, "HF Bands (Nighttime):")
	appendBands(night)
	lines = append(lines, "")
	lines = append(lines, "Data source: HamQSL.com (N0NBH)")

	return strings.Join(lines, "\n")
}

func (t *BandConditionsTool) summary(data *solarConditions) string {
	day, night := dayNightSplit(data.BandConditions)

	return toolJSONIndent(struct {
		Success      bool              `json:"success"`
		Updated      string            `json:"updated"`
		SolarSummary map[string]string `json:"solar_summary"`
		Day          map[string]string `json:"band_conditions_day"`
		Night        map[string]string `json:"band_conditions_night"`
		SummaryText  string            `json:"summary_text"`
	}{
		Success: true,
		Updated: data.Updated,
		SolarSummary: map[string]string{
			"solar_flux": data.SolarFlux,
			"sunspots":   data.Sunspots,
			"k_index":    data.KIndex,
			"a_index":    data.AIndex,
			"x_ray":      data.XRay,
		},
		Day:         day,
		Night:       night,
		SummaryText: summaryText(data, day, night),
	})
}

func (t *BandConditionsTool) solarDetail(data *solarConditions) string {
	return toolJSONIndent(struct {
		Success     bool              `json:"success"`
		Updated     string            `json:"updated"`
		Indices     map[string]string `json:"solar_indices"`
		Explanation map[string]string `json:"explanation"`
	}{
		Success: true,
		Updated: data.Updated,
		Indices: map[string]string{
			"solar_flux":     data.SolarFlux,
			"sunspots":       data.Sunspots,
			"a_index":        data.AIndex,
			"k_index":        data.KIndex,
			"x_ray":          data.XRay,
			"helium_line":    data.HeliumLine,
			"proton_flux":    data.ProtonFlux,
			"electron_flux":  data.ElectronFlux,
			"solar_wind":     data.SolarWind,
			"magnetic_field": data.MagneticField,
			"aurora":         data.Aurora,
		},
		Explanation: map[string]string{
			"solar_flux": "Higher values (>150) indicate better HF propagation",
			"k_index":    "0-3 = quiet, 4-5 = unsettled, 6-9 = storm conditions",
			"a_index":    "Lower is better for propagation",
			"sunspots":   "More sunspots generally mean better HF conditions",
		},
	})
}

func (t *BandConditionsTool) bandDetail(data *solarConditions, band string) string {
	if band == "" {
		return toolJSON(map[string]any{
			"success": false,
			"error":   "No band specified. Please specify a band like '20m' or '40m'",
		})
	}

	bandLower := strings.ToLower(band)

	var dayCondition, nightCondition, matched string
	for key, value := range data.BandConditions {
		if !strings.Contains(key, bandLower) {
			continue
		}
		switch {
		case strings.Contains(key, "_day"):
			dayCondition = value
			matched = strings.Replace(key, "_day", "", 1)
		case strings.Contains(key, "_night"):
			nightCondition = value
			matched = strings.Replace(key, "_night", "", 1)
		}
	}

	if matched == "" {
		return toolJSON(map[string]any{
			"success": false,
			"error":   fmt.Sprintf("Band '%s' not found. Available bands: 80m-40m, 30m-20m, 17m-15m, 12m-10m", band),
		})
	}

	if dayCondition == "" {
		dayCondition = "Unknown"
	}
	if nightCondition == "" {
		nightCondition = "Unknown"
	}

	return toolJSONIndent(struct {
		Success    bool              `json:"success"`
		Band       string            `json:"band"`
		Query      string            `json:"query"`
		Conditions map[string]string `json:"conditions"`
		SolarData  map[string]string `json:"solar_data"`
		Updated    string            `json:"updated"`
	}{
		Success:    true,
		Band:       matched,
		Query:      band,
		Conditions: map[string]string{"day": dayCondition, "night": nightCondition},
		SolarData:  map[string]string{"solar_flux": data.SolarFlux, "k_index": data.KIndex},
		Updated:    data.Updated,
	})
}

func (t *BandConditionsTool) Invoke(ctx context.Context, tc ToolContext, input json.RawMessage) string {
	if !t.enabled {
		return toolJSON(map[string]any{
			"success": false,
			"error":   "Band conditions tool is disabled",
		})
	}

	var args struct {
		Action string `json:"action"`
		Band   string `json:"band"`
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return toolJSON(map[string]any{
				"success": false,
				"error":   fmt.Sprintf("Failed to fetch band conditions: %v", err),
			})
		}
	}
	if args.Action == "" {
		args.Action = "summary"
	}

	data, err := t.fetch(ctx)
	if err != nil {
		t.log.Error("fetch failed", "err", err)
		return toolJSON(map[string]any{
			"success": false,
			"error":   fmt.Sprintf("Failed to fetch band conditions: %v", err),
		})
	}

	switch args.Action {
	case "summary":
		return t.summary(data)
	case "solar":
		return t.solarDetail(data)
	case "band_detail":
		return t.bandDetail(data, args.Band)
	default:
		return toolJSON(map[string]any{
			"success": false,
			"error":   fmt.Sprintf("Unknown action: %s", args.Action),
		})
	}
}
