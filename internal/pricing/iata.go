package pricing

import (
	"strings"
	"unicode"
)

// cityCodes maps common city names (lower case) to IATA metropolitan codes.
var cityCodes = map[string]string{
	"moscow":           "MOW",
	"москва":           "MOW",
	"saint petersburg": "LED",
	"st petersburg":    "LED",
	"london":           "LON",
	"paris":            "PAR",
	"berlin":           "BER",
	"rome":             "ROM",
	"milan":            "MIL",
	"madrid":           "MAD",
	"barcelona":        "BCN",
	"lisbon":           "LIS",
	"istanbul":         "IST",
	"dubai":            "DXB",
	"new york":         "NYC",
	"tokyo":            "TYO",
	"bangkok":          "BKK",
	"tbilisi":          "TBS",
	"yerevan":          "EVN",
	"antalya":          "AYT",
	"sochi":            "AER",
	"kazan":            "KZN",
	"prague":           "PRG",
	"vienna":           "VIE",
	"amsterdam":        "AMS",
}

// NormalizeIATA returns the IATA code for a city name or code. The second
// result is false when v is neither a known city nor a three-letter code.
func NormalizeIATA(v string) (string, bool) {
	s := strings.TrimSpace(v)
	if code, ok := cityCodes[strings.ToLower(s)]; ok {
		return code, true
	}
	if len(s) != 3 {
		return "", false
	}
	for _, r := range s {
		if r > unicode.MaxASCII || !unicode.IsLetter(r) {
			return "", false
		}
	}
	return strings.ToUpper(s), true
}
