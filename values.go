package locus

import (
	"fmt"
	"math"
	"net/netip"
	"net/url"
	"sort"
	"strings"
)

// DefaultCoordinateSystem is used when GeoCoordinates.CoordinateSystem is empty.
const DefaultCoordinateSystem = "WGS84"

const earthRadiusMeters = 6_371_000.0

// Address is a postal address.
type Address struct {
	Street1    string `json:"street1" msgpack:"street1"`
	Street2    string `json:"street2,omitempty" msgpack:"street2,omitempty"`
	Locality   string `json:"locality" msgpack:"locality"`
	Region     string `json:"region" msgpack:"region"`
	Country    string `json:"country" msgpack:"country"`
	PostalCode string `json:"postalCode" msgpack:"postalCode"`
}

// Validate rejects blank required fields.
func (a Address) Validate() error {
	required := []struct {
		field string
		value string
	}{
		{"street1", a.Street1},
		{"locality", a.Locality},
		{"region", a.Region},
		{"country", a.Country},
		{"postalCode", a.PostalCode},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return NewValidationError("address."+r.field, "must not be empty")
		}
	}
	return nil
}

// FormatSingleLine renders "street1, street2, locality, region postal, country".
func (a Address) FormatSingleLine() string {
	return strings.Join(a.lines(), ", ")
}

// FormatMultiLine renders the address one component per line.
func (a Address) FormatMultiLine() string {
	return strings.Join(a.lines(), "\n")
}

func (a Address) lines() []string {
	lines := []string{a.Street1}
	if a.Street2 != "" {
		lines = append(lines, a.Street2)
	}
	lines = append(lines, fmt.Sprintf("%s, %s %s", a.Locality, a.Region, a.PostalCode), a.Country)
	return lines
}

// GeoCoordinates is a point on the earth's surface.
type GeoCoordinates struct {
	Latitude         float64  `json:"latitude" msgpack:"latitude"`
	Longitude        float64  `json:"longitude" msgpack:"longitude"`
	Altitude         *float64 `json:"altitude,omitempty" msgpack:"altitude,omitempty"`
	CoordinateSystem string   `json:"coordinateSystem,omitempty" msgpack:"coordinateSystem,omitempty"`
}

// NewCoordinates returns WGS84 coordinates without altitude.
func NewCoordinates(lat, lon float64) GeoCoordinates {
	return GeoCoordinates{Latitude: lat, Longitude: lon, CoordinateSystem: DefaultCoordinateSystem}
}

// WithAltitude returns a copy with the altitude set, in metres.
func (c GeoCoordinates) WithAltitude(alt float64) GeoCoordinates {
	c.Altitude = &alt
	return c
}

// System returns the coordinate system, defaulting to WGS84.
func (c GeoCoordinates) System() string {
	if c.CoordinateSystem == "" {
		return DefaultCoordinateSystem
	}
	return c.CoordinateSystem
}

// Validate enforces latitude in [-90,90] and longitude in [-180,180].
func (c GeoCoordinates) Validate() error {
	if math.IsNaN(c.Latitude) || c.Latitude < -90 || c.Latitude > 90 {
		return NewValidationError("coordinates.latitude", fmt.Sprintf("%v is out of range [-90, 90]", c.Latitude))
	}
	if math.IsNaN(c.Longitude) || c.Longitude < -180 || c.Longitude > 180 {
		return NewValidationError("coordinates.longitude", fmt.Sprintf("%v is out of range [-180, 180]", c.Longitude))
	}
	if c.Altitude != nil && (math.IsNaN(*c.Altitude) || math.IsInf(*c.Altitude, 0)) {
		return NewValidationError("coordinates.altitude", "must be a finite number")
	}
	return nil
}

// DistanceTo returns the great-circle distance in metres (haversine).
func (c GeoCoordinates) DistanceTo(other GeoCoordinates) float64 {
	lat1 := radians(c.Latitude)
	lat2 := radians(other.Latitude)
	dLat := radians(other.Latitude - c.Latitude)
	dLon := radians(other.Longitude - c.Longitude)

	a := math.Pow(math.Sin(dLat/2), 2) + math.Cos(lat1)*math.Cos(lat2)*math.Pow(math.Sin(dLon/2), 2)
	return earthRadiusMeters * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// BearingTo returns the initial bearing towards other, in degrees [0, 360).
func (c GeoCoordinates) BearingTo(other GeoCoordinates) float64 {
	lat1 := radians(c.Latitude)
	lat2 := radians(other.Latitude)
	dLon := radians(other.Longitude - c.Longitude)

	x := math.Sin(dLon) * math.Cos(lat2)
	y := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)

	return math.Mod(degrees(math.Atan2(x, y))+360, 360)
}

// BoundingBox returns the box enclosing a circle of radius metres around c.
func (c GeoCoordinates) BoundingBox(radius float64) BoundingBox {
	angular := degrees(radius / earthRadiusMeters)
	dLon := degrees((radius / earthRadiusMeters) / math.Cos(radians(c.Latitude)))

	return BoundingBox{
		MinLat: c.Latitude - angular,
		MaxLat: c.Latitude + angular,
		MinLon: c.Longitude - dLon,
		MaxLon: c.Longitude + dLon,
	}
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
func degrees(rad float64) float64 { return rad * 180 / math.Pi }

// BoundingBox is a latitude/longitude rectangle.
type BoundingBox struct {
	MinLat float64 `json:"minLat"`
	MaxLat float64 `json:"maxLat"`
	MinLon float64 `json:"minLon"`
	MaxLon float64 `json:"maxLon"`
}

// Contains reports whether the point lies inside the box (edges included).
func (b BoundingBox) Contains(c GeoCoordinates) bool {
	return c.Latitude >= b.MinLat && c.Latitude <= b.MaxLat &&
		c.Longitude >= b.MinLon && c.Longitude <= b.MaxLon
}

// Center returns the midpoint of the box.
func (b BoundingBox) Center() GeoCoordinates {
	return NewCoordinates((b.MinLat+b.MaxLat)/2, (b.MinLon+b.MaxLon)/2)
}

// VirtualKind classifies a virtual location.
type VirtualKind string

const (
	VirtualWebsite           VirtualKind = "website"
	VirtualAPIEndpoint       VirtualKind = "api_endpoint"
	VirtualCloudService      VirtualKind = "cloud_service"
	VirtualContainer         VirtualKind = "container"
	VirtualMachine           VirtualKind = "virtual_machine"
	VirtualNetworkDevice     VirtualKind = "network_device"
	VirtualMeetingRoom       VirtualKind = "meeting_room"
	VirtualGameServer        VirtualKind = "game_server"
	VirtualBlockchainAddress VirtualKind = "blockchain_address"
	VirtualEmailServer       VirtualKind = "email_server"
	VirtualCustom            VirtualKind = "custom"
)

var virtualKinds = map[VirtualKind]struct{}{
	VirtualWebsite: {}, VirtualAPIEndpoint: {}, VirtualCloudService: {}, VirtualContainer: {},
	VirtualMachine: {}, VirtualNetworkDevice: {}, VirtualMeetingRoom: {}, VirtualGameServer: {},
	VirtualBlockchainAddress: {}, VirtualEmailServer: {}, VirtualCustom: {},
}

// URLType classifies a virtual URL.
type URLType string

const (
	URLPrimary       URLType = "primary"
	URLAPI           URLType = "api"
	URLDocumentation URLType = "documentation"
	URLSupport       URLType = "support"
	URLStatus        URLType = "status"
	URLWebhook       URLType = "webhook"
	URLMirror        URLType = "mirror"
)

// VirtualURL is one address under which a virtual location is reachable.
type VirtualURL struct {
	URL      string  `json:"url" msgpack:"url"`
	Type     URLType `json:"type" msgpack:"type"`
	Active   bool    `json:"active" msgpack:"active"`
	Priority int     `json:"priority" msgpack:"priority"`
}

// Secure reports whether the URL uses https or wss.
func (u VirtualURL) Secure() bool {
	return strings.HasPrefix(u.URL, "https://") || strings.HasPrefix(u.URL, "wss://")
}

// VirtualLocation describes an online presence.
type VirtualLocation struct {
	Kind              VirtualKind       `json:"kind" msgpack:"kind"`
	PrimaryIdentifier string            `json:"primaryIdentifier" msgpack:"primaryIdentifier"`
	Platform          string            `json:"platform,omitempty" msgpack:"platform,omitempty"`
	URLs              []VirtualURL      `json:"urls,omitempty" msgpack:"urls,omitempty"`
	IPAddresses       []string          `json:"ipAddresses,omitempty" msgpack:"ipAddresses,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
}

// Website builds a website virtual location whose identifier is the URL host.
func Website(rawURL string) (VirtualLocation, error) {
	u, err := parseHTTPURL(rawURL)
	if err != nil {
		return VirtualLocation{}, NewValidationError("virtualLocation.urls", err.Error())
	}
	return VirtualLocation{
		Kind:              VirtualWebsite,
		PrimaryIdentifier: u.Host,
		URLs:              []VirtualURL{{URL: rawURL, Type: URLPrimary, Active: true}},
	}, nil
}

// Validate requires a known kind, a primary identifier, absolute http(s)
// URLs and parseable IP addresses.
func (v VirtualLocation) Validate() error {
	if _, ok := virtualKinds[v.Kind]; !ok {
		return NewValidationError("virtualLocation.kind", fmt.Sprintf("unknown kind %q", v.Kind))
	}
	if strings.TrimSpace(v.PrimaryIdentifier) == "" {
		return NewValidationError("virtualLocation.primaryIdentifier", "must not be empty")
	}
	for _, u := range v.URLs {
		if _, err := parseHTTPURL(u.URL); err != nil {
			return NewValidationError("virtualLocation.urls", err.Error())
		}
	}
	for _, ip := range v.IPAddresses {
		if _, err := netip.ParseAddr(ip); err != nil {
			return NewValidationError("virtualLocation.ipAddresses", fmt.Sprintf("invalid IP address %q", ip))
		}
	}
	return nil
}

// PrimaryURL returns the highest priority active primary URL.
func (v VirtualLocation) PrimaryURL() (string, bool) {
	candidates := make([]VirtualURL, 0, len(v.URLs))
	for _, u := range v.URLs {
		if u.Active && u.Type == URLPrimary {
			candidates = append(candidates, u)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Priority < candidates[j].Priority })
	return candidates[0].URL, true
}

// ActiveURLs returns the URLs currently marked active.
func (v VirtualLocation) ActiveURLs() []VirtualURL {
	var out []VirtualURL
	for _, u := range v.URLs {
		if u.Active {
			out = append(out, u)
		}
	}
	return out
}

// HasIPv6 reports whether any IP address is IPv6.
func (v VirtualLocation) HasIPv6() bool {
	for _, ip := range v.IPAddresses {
		if addr, err := netip.ParseAddr(ip); err == nil && addr.Is6() && !addr.Is4In6() {
			return true
		}
	}
	return false
}

func (v VirtualLocation) clone() VirtualLocation {
	out := v
	out.URLs = append([]VirtualURL(nil), v.URLs...)
	out.IPAddresses = append([]string(nil), v.IPAddresses...)
	out.Metadata = cloneStrings(v.Metadata)
	return out
}

func parseHTTPURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %v", raw, err)
	}
	if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("URL %q must be an absolute http(s) URL", raw)
	}
	return u, nil
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
