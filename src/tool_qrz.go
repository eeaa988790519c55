package elmer

/*------------------------------------------------------------------
 *
 * Name:	tool_qrz
 *
 * Purpose:	Let the model look up callsigns in the QRZ callbook on
 *		a user's behalf.
 *
 *---------------------------------------------------------------*/

import (
	"context"
	"encoding/json"
	"math"
	"strings"

	"github.com/charmbracelet/log"
)

type QRZTool struct {
	callbook    Callbook
	stationGrid string
	log         *log.Logger
}

// NewQRZTool builds the lookup tool.  When stationGrid is a valid
// locator, results gain distance and bearing from the station.
func NewQRZTool(callbook Callbook, stationGrid string, logger *log.Logger) *QRZTool {
	if logger == nil {
		logger = log.Default()
	}
	if !ValidGrid(stationGrid) {
		stationGrid = ""
	}

	return &QRZTool{
		callbook:    callbook,
		stationGrid: stationGrid,
		log:         logger.WithPrefix("qrz-tool"),
	}
}

func (t *QRZTool) Name() string { return "qrz_lookup" }

func (t *QRZTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name: "qrz_lookup",
		Description: "Look up amateur radio callsign information from QRZ.com. " +
			"Returns operator name, location, license class, and other details. " +
			"Use this when users ask about a specific callsign or want to know " +
			"information about a ham radio operator.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]SchemaProp{
				"callsign": {
					Type:        "string",
					Description: "The amateur radio callsign to look up (e.g., W1AW, K1TTT)",
				},
			},
			Required: []string{"callsign"},
		},
	}
}

type qrzToolCoords struct {
	Latitude  string `json:"latitude"`
	Longitude string `json:"longitude"`
}

type qrzToolDistance struct {
	Km         float64 `json:"km"`
	Miles      float64 `json:"miles"`
	BearingDeg float64 `json:"bearing_deg"`
}

type qrzToolOperator struct {
	Name           string           `json:"name,omitempty"`
	Country        string           `json:"country,omitempty"`
	Address        string           `json:"address,omitempty"`
	LicenseClass   string           `json:"license_class,omitempty"`
	LicenseExpires string           `json:"license_expires,omitempty"`
	GridSquare     string           `json:"grid_square,omitempty"`
	Coordinates    *qrzToolCoords   `json:"coordinates,omitempty"`
	FromStation    *qrzToolDistance `json:"distance_from_station,omitempty"`
	Email          string           `json:"email,omitempty"`
	Aliases        string           `json:"aliases,omitempty"`
}

func (t *QRZTool) Invoke(ctx context.Context, tc ToolContext, input json.RawMessage) string {
	var args struct {
		Callsign string `json:"callsign"`
	}
	if err := json.Unmarshal(input, &args); err != nil || strings.TrimSpace(args.Callsign) == "" {
		return toolJSON(map[string]string{
			"error":   "Missing parameter",
			"message": "Callsign parameter is required",
		})
	}

	if !t.callbook.Enabled() {
		return toolJSON(map[string]string{
			"error":   "QRZ lookup is not enabled",
			"message": "QRZ.com integration is currently disabled",
		})
	}

	callsign := strings.ToUpper(strings.TrimSpace(args.Callsign))

	t.log.Info("lookup", "callsign", callsign)

	rec, err := t.callbook.Lookup(ctx, callsign)
	if err != nil {
		t.log.Warn("lookup failed", "callsign", callsign, "err", err)
		return toolJSON(map[string]any{
			"callsign": callsign,
			"found":    false,
			"message":  "Callsign " + callsign + " not found in QRZ database",
		})
	}

	op := qrzToolOperator{
		Name:           rec.FullName(),
		Country:        rec.Country,
		LicenseClass:   rec.Class,
		LicenseExpires: rec.Expires,
		GridSquare:     rec.Grid,
		Email:          rec.Email,
		Aliases:        rec.Aliases,
	}

	// Street, city, then "STATE ZIP" as one element.
	var parts []string
	if rec.Addr1 != "" {
		parts = append(parts, rec.Addr1)
	}
	if rec.City != "" {
		parts = append(parts, rec.City)
	}
	var stateZip []string
	if rec.State != "" {
		stateZip = append(stateZip, rec.State)
	}
	if rec.Zip != "" {
		stateZip = append(stateZip, rec.Zip)
	}
	if len(stateZip) > 0 {
		parts = append(parts, strings.Join(stateZip, " "))
	}
	op.Address = strings.Join(parts, ", ")

	if rec.Lat != "" && rec.Lon != "" {
		op.Coordinates = &qrzToolCoords{Latitude: rec.Lat, Longitude: rec.Lon}
	}

	if t.stationGrid != "" && rec.Grid != "" {
		if km, bearing, err := GridDistance(t.stationGrid, rec.Grid); err == nil {
			op.FromStation = &qrzToolDistance{
				Km:         math.Round(km),
				Miles:      math.Round(km * 0.621371),
				BearingDeg: math.Round(bearing),
			}
		}
	}

	call := rec.Call
	if call == "" {
		call = callsign
	}

	return toolJSONIndent(map[string]any{
		"callsign": call,
		"found":    true,
		"operator": op,
	})
}
