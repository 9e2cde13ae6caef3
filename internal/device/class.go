package device

import (
	"regexp"
	"strings"
)

// Class describes the capabilities of the client a capture runs on.
type Class struct {
	// IOS clients only resume camera playback from a direct user gesture.
	IOS bool
	// Mobile clients are constrained: they route service calls through the
	// same-origin proxy to avoid cross-origin failures.
	Mobile bool
}

var (
	iosPattern    = regexp.MustCompile(`iphone|ipad|ipod`)
	mobilePattern = regexp.MustCompile(`android|mobile|iphone|ipad|ipod|blackberry|iemobile|opera mini`)
)

// Standard is a desktop-class client.
var Standard = Class{}

// IOSClass is an iOS-class mobile client.
var IOSClass = Class{IOS: true, Mobile: true}

// Detect derives the client class from a user agent string.
func Detect(userAgent string) Class {
	ua := strings.ToLower(userAgent)
	return Class{
		IOS:    iosPattern.MatchString(ua),
		Mobile: mobilePattern.MatchString(ua),
	}
}

// Parse maps a configured class name ("standard", "ios", "mobile") to a
// Class. Unknown names fall back to user agent detection of the name itself.
func Parse(name string) Class {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "standard", "desktop":
		return Standard
	case "ios":
		return IOSClass
	case "mobile", "android":
		return Class{Mobile: true}
	default:
		return Detect(name)
	}
}

func (c Class) String() string {
	switch {
	case c.IOS:
		return "ios"
	case c.Mobile:
		return "mobile"
	default:
		return "standard"
	}
}
