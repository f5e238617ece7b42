package analytics

import (
	"github.com/mileusna/useragent"
)

// Device types recorded with each event.
const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
	DeviceBot     = "bot"
)

// Agent is the reduced form of a User-Agent header that gets stored.
type Agent struct {
	Browser string
	OS      string
	Device  string
}

// ParseAgent extracts browser, OS and device type from a user agent string.
func ParseAgent(raw string) Agent {
	ua := useragent.Parse(raw)

	a := Agent{Browser: ua.Name, OS: ua.OS}
	if a.Browser == "" {
		a.Browser = "Unknown"
	}
	if a.OS == "" {
		a.OS = "Unknown"
	}

	switch {
	case ua.Mobile:
		a.Device = DeviceMobile
	case ua.Tablet:
		a.Device = DeviceTablet
	case ua.Bot:
		a.Device = DeviceBot
	default:
		a.Device = DeviceDesktop
	}
	return a
}
