package model

import "fmt"

// Resolution is the chart-requested bar interval (e.g., "1", "60", "1D").
type Resolution string

// resolutionIntervals maps supported chart resolutions to exchange interval codes.
var resolutionIntervals = map[Resolution]string{
	"1":   "1m",
	"3":   "3m",
	"5":   "5m",
	"15":  "15m",
	"30":  "30m",
	"60":  "1h",
	"120": "2h",
	"240": "4h",
	"360": "6h",
	"480": "8h",
	"720": "12h",
	"1D":  "1d",
	"3D":  "3d",
	"1W":  "1w",
	"1M":  "1M",
}

// SupportedResolutions lists the resolutions in ascending interval order.
var SupportedResolutions = []Resolution{
	"1", "3", "5", "15", "30", "60", "120", "240", "360", "480", "720", "1D", "3D", "1W", "1M",
}

// Interval returns the exchange interval code for the resolution.
func (r Resolution) Interval() (string, error) {
	code, ok := resolutionIntervals[r]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedResolution, string(r))
	}
	return code, nil
}

// ResolutionTable returns a copy of the resolution to interval-code mapping.
func ResolutionTable() map[Resolution]string {
	out := make(map[Resolution]string, len(resolutionIntervals))
	for k, v := range resolutionIntervals {
		out[k] = v
	}
	return out
}
