package elmer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A plausible HamQSL reply.  Note the feed's own misspelling of the
// electron flux element.
var hamqslSolarXML = `<?xml version="1.0"?>
<solar>
  <solardata>
    <updated>25 Aug 2026 1200 GMT</updated>
    <solarflux>142</solarflux>
    <sunspots>88</sunspots>
    <aindex>8</aindex>
    <kindex>2</kindex>
    <xray>B4.5</xray>
    <heliumline>142.2</heliumline>
    <protonflux>139</protonflux>
    <electonflux>1200</electonflux>
    <solarwind>398.5</solarwind>
    <magneticfield>2.1</magneticfield>
    <aurora>1</aurora>
    <signalnoise>S1-S2</signalnoise>
    <calculatedconditions>
      <band name="80m-40m" time="day">Fair</band>
      <band name="30m-20m" time="day">Good</band>
      <band name="17m-15m" time="day">Good</band>
      <band name="12m-10m" time="day">Poor</band>
      <band name="80m-40m" time="night">Good</band>
      <band name="30m-20m" time="night">Good</band>
      <band name="17m-15m" time="night">Fair</band>
      <band name="12m-10m" time="night">Poor</band>
    </calculatedconditions>
    <calculatedvhfconditions>
      <phenomenon name="vhf-aurora" location="northern_hemi">Band Closed</phenomenon>
      <phenomenon name="E-Skip" location="europe">Band Closed</phenomenon>
    </calculatedvhfconditions>
  </solardata>
</solar>`

// solarServer serves a fixed body and counts requests.
func solarServer(t *testing.T, status int, body string) (*httptest.Server, func() int) {
	t.Helper()

	var mu sync.Mutex
	var hits int

	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()

		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	return srv, func() int {
		mu.Lock()
		defer mu.Unlock()
		return hits
	}
}

func bandsTool(t *testing.T, enabled bool, url string) *BandConditionsTool {
	t.Helper()

	var tool = NewBandConditionsTool(BandConditionsConfig{Enabled: enabled}, testLogger())
	tool.baseURL = url

	return tool
}

func invokeBands(t *testing.T, tool *BandConditionsTool, input string) map[string]any {
	t.Helper()

	var raw = tool.Invoke(context.Background(), ToolContext{}, json.RawMessage(input))

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &out), "tool reply must be JSON: %s", raw)

	return out
}

func TestBandConditionsToolDefinition(t *testing.T) {
	var tool = bandsTool(t, true, "http://unused.invalid")

	assert.Equal(t, "band_conditions", tool.Name())

	var def = tool.Definition()
	assert.Equal(t, []string{"action"}, def.InputSchema.Required)
	assert.Equal(t, []string{"summary", "solar", "band_detail"},
		def.InputSchema.Properties["action"].Enum)
}

func TestBandConditionsToolDisabled(t *testing.T) {
	var srv, hits = solarServer(t, http.StatusOK, hamqslSolarXML)

	var out = invokeBands(t, bandsTool(t, false, srv.URL), `{"action":"summary"}`)

	assert.Equal(t, false, out["success"])
	assert.Equal(t, "Band conditions tool is disabled", out["error"])
	assert.Equal(t, 0, hits(), "disabled tool must not hit the feed")
}

func TestBandConditionsSummary(t *testing.T) {
	var srv, _ = solarServer(t, http.StatusOK, hamqslSolarXML)
	var tool = bandsTool(t, true, srv.URL)

	// No action at all defaults to the summary.
	var out = invokeBands(t, tool, `{}`)

	assert.Equal(t, true, out["success"])
	assert.Equal(t, "25 Aug 2026 1200 GMT", out["updated"])

	var solar = out["solar_summary"].(map[string]any)
	assert.Equal(t, "142", solar["solar_flux"])
	assert.Equal(t, "88", solar["sunspots"])
	assert.Equal(t, "2", solar["k_index"])
	assert.Equal(t, "8", solar["a_index"])
	assert.Equal(t, "B4.5", solar["x_ray"])

	var day = out["band_conditions_day"].(map[string]any)
	assert.Equal(t, "Good", day["30m-20m"])
	assert.Equal(t, "Poor", day["12m-10m"])

	var night = out["band_conditions_night"].(map[string]any)
	assert.Equal(t, "Fair", night["17m-15m"])

	var text = out["summary_text"].(string)
	assert.Contains(t, text, "Current Band Conditions (Updated: 25 Aug 2026 1200 GMT)")
	assert.Contains(t, text, "Solar Flux: 142 | Sunspots: 88 | K-Index: 2")
	assert.Contains(t, text, "30m-20m: Good ★")
	assert.Contains(t, text, "12m-10m: Poor\n")
	assert.Contains(t, text, "Data source: HamQSL.com (N0NBH)")

	// The VHF phenomena are parsed and cached alongside.
	tool.mu.Lock()
	var vhf = tool.cache.VHFConditions
	tool.mu.Unlock()
	assert.Equal(t, "northern_hemi", vhf["vhf-aurora"])
	assert.Equal(t, "europe", vhf["e-skip"])
}

func TestBandConditionsCaching(t *testing.T) {
	var srv, hits = solarServer(t, http.StatusOK, hamqslSolarXML)
	var tool = bandsTool(t, true, srv.URL)

	var clock = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	tool.now = func() time.Time { return clock }

	invokeBands(t, tool, `{"action":"summary"}`)
	invokeBands(t, tool, `{"action":"solar"}`)
	assert.Equal(t, 1, hits(), "second call within the hour is served from cache")

	clock = clock.Add(HAMQSL_CACHE_DURATION + time.Minute)
	invokeBands(t, tool, `{"action":"summary"}`)
	assert.Equal(t, 2, hits(), "stale cache refetches")
}

func TestBandConditionsSolarDetail(t *testing.T) {
	var srv, _ = solarServer(t, http.StatusOK, hamqslSolarXML)

	var out = invokeBands(t, bandsTool(t, true, srv.URL), `{"action":"solar"}`)

	assert.Equal(t, true, out["success"])

	var indices = out["solar_indices"].(map[string]any)
	assert.Equal(t, "142", indices["solar_flux"])
	assert.Equal(t, "142.2", indices["helium_line"])
	assert.Equal(t, "139", indices["proton_flux"])
	assert.Equal(t, "1200", indices["electron_flux"])
	assert.Equal(t, "398.5", indices["solar_wind"])
	assert.Equal(t, "2.1", indices["magnetic_field"])
	assert.Equal(t, "1", indices["aurora"])

	var explanation = out["explanation"].(map[string]any)
	assert.Len(t, explanation, 4)
	assert.Contains(t, explanation["k_index"], "0-3 = quiet")
}

func TestBandConditionsBandDetail(t *testing.T) {
	var srv, _ = solarServer(t, http.StatusOK, hamqslSolarXML)
	var tool = bandsTool(t, true, srv.URL)

	// "20m" matches the 30m-20m group.
	var out = invokeBands(t, tool, `{"action":"band_detail","band":"20m"}`)

	assert.Equal(t, true, out["success"])
	assert.Equal(t, "30m-20m", out["band"])
	assert.Equal(t, "20m", out["query"])

	var conditions = out["conditions"].(map[string]any)
	assert.Equal(t, "Good", conditions["day"])
	assert.Equal(t, "Good", conditions["night"])

	var solar = out["solar_data"].(map[string]any)
	assert.Equal(t, "142", solar["solar_flux"])

	// No band argument at all.
	out = invokeBands(t, tool, `{"action":"band_detail"}`)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "No band specified. Please specify a band like '20m' or '40m'", out["error"])

	// A band the feed has no group for.
	out = invokeBands(t, tool, `{"action":"band_detail","band":"6m"}`)
	assert.Equal(t, false, out["success"])
	assert.Equal(t,
		"Band '6m' not found. Available bands: 80m-40m, 30m-20m, 17m-15m, 12m-10m",
		out["error"])
}

func TestBandConditionsFetchErrors(t *testing.T) {
	var srv404, _ = solarServer(t, http.StatusNotFound, "gone")

	var out = invokeBands(t, bandsTool(t, true, srv404.URL), `{"action":"summary"}`)
	assert.Equal(t, false, out["success"])
	assert.Equal(t,
		"Failed to fetch band conditions: failed to fetch data from HamQSL: status 404",
		out["error"])

	var srvBad, _ = solarServer(t, http.StatusOK, "<solar><solardata>")

	out = invokeBands(t, bandsTool(t, true, srvBad.URL), `{"action":"summary"}`)
	assert.Equal(t, false, out["success"])
	assert.Contains(t, out["error"], "failed to parse XML response")
}

func TestBandConditionsUnknownAction(t *testing.T) {
	var srv, _ = solarServer(t, http.StatusOK, hamqslSolarXML)

	var out = invokeBands(t, bandsTool(t, true, srv.URL), `{"action":"tune"}`)

	assert.Equal(t, false, out["success"])
	assert.Equal(t, "Unknown action: tune", out["error"])
}
