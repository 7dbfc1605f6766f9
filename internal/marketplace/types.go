package marketplace

import (
	"encoding/json"
	"regexp"
	"time"
)

// The marketplace REST API mixes plain-string and {href} link shapes across
// endpoints. Link accepts both so DTOs decode once at the boundary and the
// rest of the code never touches raw maps.
type Link struct {
	Href string `json:"href"`
}

// UnmarshalJSON accepts either "..." or {"href": "..."}
func (l *Link) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		l.Href = str
		return nil
	}
	type alias Link
	var obj alias
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	l.Href = obj.Href
	return nil
}

// Vendor is the addon vendor block
type Vendor struct {
	Name string `json:"name"`
}

// AddonLinks are the hypermedia links attached to an addon
type AddonLinks struct {
	Self      Link `json:"self"`
	Alternate Link `json:"alternate"`
}

// Addon is one marketplace-listed extension
type Addon struct {
	Key      string     `json:"key"`
	Name     string     `json:"name"`
	Summary  string     `json:"summary"`
	Vendor   *Vendor    `json:"vendor"`
	Links    AddonLinks `json:"_links"`
	Embedded *struct {
		Versions []Version `json:"versions"`
	} `json:"_embedded"`
}

var appIDPattern = regexp.MustCompile(`/apps/(\d+)/`)

// AppID extracts the numeric app ID from the alternate link path
// (e.g. /apps/1213645/some-addon), or "" when absent.
func (a *Addon) AppID() string {
	m := appIDPattern.FindStringSubmatch(a.Links.Alternate.Href)
	if m == nil {
		return ""
	}
	return m[1]
}

// MarketplaceURL builds the public listing URL for the addon, or "" when the
// alternate link is absent.
func (a *Addon) MarketplaceURL(baseURL string) string {
	if a.Links.Alternate.Href == "" {
		return ""
	}
	return baseURL + a.Links.Alternate.Href + "?hosting=datacenter"
}

// VendorName returns the vendor name or ""
func (a *Addon) VendorName() string {
	if a.Vendor == nil {
		return ""
	}
	return a.Vendor.Name
}

// ListResponse is a paginated addon listing
type ListResponse struct {
	Embedded struct {
		Addons []Addon `json:"addons"`
	} `json:"_embedded"`
	Links struct {
		Next *Link `json:"next"`
	} `json:"_links"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Count  int `json:"count"`
	// Size is a legacy total field still emitted by some endpoints
	Size int `json:"size"`
}

// Total returns the server-reported total item count
func (r *ListResponse) Total() int {
	if r.Count > 0 {
		return r.Count
	}
	return r.Size
}

// CompatBound is one end of a compatibility window
type CompatBound struct {
	Version string `json:"version"`
	Build   int64  `json:"build"`
}

// CompatRange is a min/max compatibility window
type CompatRange struct {
	Min *CompatBound `json:"min"`
	Max *CompatBound `json:"max"`
}

// CompatHosting holds per-hosting-model compatibility windows
type CompatHosting struct {
	DataCenter *CompatRange `json:"dataCenter"`
}

// Compatibility is one application-family compatibility entry
type Compatibility struct {
	Application string         `json:"application"`
	Hosting     *CompatHosting `json:"hosting"`
}

// Deployment flags which hosting models a version supports
type Deployment struct {
	Server     bool `json:"server"`
	Cloud      bool `json:"cloud"`
	DataCenter bool `json:"dataCenter"`
}

// VersionText carries the free-text blocks of a version
type VersionText struct {
	ReleaseNotes   string `json:"releaseNotes"`
	ReleaseSummary string `json:"releaseSummary"`
	MoreDetails    string `json:"moreDetails"`
}

// VersionLinks are the hypermedia links attached to a version
type VersionLinks struct {
	Self      Link  `json:"self"`
	Alternate Link  `json:"alternate"`
	Binary    *Link `json:"binary"`
	Artifact  *Link `json:"artifact"`
}

// VersionEmbedded holds the embedded artifact block of a version detail
type VersionEmbedded struct {
	Artifact *struct {
		Links struct {
			Binary *Link `json:"binary"`
		} `json:"_links"`
	} `json:"artifact"`
}

// Version is one released version of an addon
type Version struct {
	Name    string `json:"name"`
	Release *struct {
		Date string `json:"date"`
	} `json:"release"`
	Compatibilities []Compatibility  `json:"compatibilities"`
	Deployment      *Deployment      `json:"deployment"`
	Status          string           `json:"status"`
	Text            *VersionText     `json:"text"`
	Links           VersionLinks     `json:"_links"`
	Embedded        *VersionEmbedded `json:"_embedded"`
}

// VersionsResponse is a paginated version listing
type VersionsResponse struct {
	Embedded struct {
		Versions []Version `json:"versions"`
	} `json:"_embedded"`
	Links struct {
		Next *Link `json:"next"`
	} `json:"_links"`
	Count int `json:"count"`
}

var buildNumberPattern = regexp.MustCompile(`/build/(\d+)$`)

// BuildNumber extracts the build number from the version's self link
// (e.g. /versions/build/1009990); ok is false when no build link exists.
func (v *Version) BuildNumber() (string, bool) {
	m := buildNumberPattern.FindStringSubmatch(v.Links.Self.Href)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// DataCenterCompatible reports whether the upstream marks the version as
// deployable in the Data Center hosting model.
func (v *Version) DataCenterCompatible() bool {
	return v.Deployment != nil && v.Deployment.DataCenter
}

// CompatibilityWindow returns the min/max product version strings for the
// given application family. Absence of both bounds means compatible with all
// versions.
func (v *Version) CompatibilityWindow(application string) (min, max string) {
	for _, compat := range v.Compatibilities {
		if compat.Application != application || compat.Hosting == nil || compat.Hosting.DataCenter == nil {
			continue
		}
		dc := compat.Hosting.DataCenter
		if dc.Min != nil {
			min = dc.Min.Version
		}
		if dc.Max != nil {
			max = dc.Max.Version
		}
		return min, max
	}
	return "", ""
}

// BinaryURL returns the artifact download URL embedded in the version detail,
// or "" when no binary is published.
func (v *Version) BinaryURL() string {
	if v.Embedded != nil && v.Embedded.Artifact != nil && v.Embedded.Artifact.Links.Binary != nil {
		return v.Embedded.Artifact.Links.Binary.Href
	}
	if v.Links.Binary != nil {
		return v.Links.Binary.Href
	}
	return ""
}

// ReleaseDate parses the release date, or nil when absent or malformed
func (v *Version) ReleaseDate() *time.Time {
	if v.Release == nil || v.Release.Date == "" {
		return nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, v.Release.Date); err == nil {
			return &t
		}
	}
	return nil
}

// ChangelogURL builds the public changelog URL from the alternate link
func (v *Version) ChangelogURL(baseURL string) string {
	if v.Links.Alternate.Href == "" {
		return ""
	}
	return baseURL + v.Links.Alternate.Href
}

// ReleaseNotes returns the version's release notes text or ""
func (v *Version) ReleaseNotes() string {
	if v.Text == nil {
		return ""
	}
	return v.Text.ReleaseNotes
}

// ReleaseSummary returns the version's changelog summary text or ""
func (v *Version) ReleaseSummary() string {
	if v.Text == nil {
		return ""
	}
	return v.Text.ReleaseSummary
}

// Hidden reports whether the version is hidden upstream
func (v *Version) Hidden() bool {
	return v.Status == "hidden"
}

// Deprecated reports whether the version is deprecated upstream
func (v *Version) Deprecated() bool {
	return v.Status == "deprecated"
}
