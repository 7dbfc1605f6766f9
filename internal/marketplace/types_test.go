package marketplace

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinkAcceptsBothShapes(t *testing.T) {
	var fromString Link
	require.NoError(t, json.Unmarshal([]byte(`"/apps/123/x"`), &fromString))
	assert.Equal(t, "/apps/123/x", fromString.Href)

	var fromObject Link
	require.NoError(t, json.Unmarshal([]byte(`{"href":"/apps/123/x"}`), &fromObject))
	assert.Equal(t, "/apps/123/x", fromObject.Href)
}

func TestAddonAppID(t *testing.T) {
	addon := Addon{Links: AddonLinks{Alternate: Link{Href: "/apps/1213645/example-addon"}}}
	assert.Equal(t, "1213645", addon.AppID())

	assert.Empty(t, (&Addon{}).AppID())
}

func TestVersionBuildNumber(t *testing.T) {
	v := Version{Links: VersionLinks{Self: Link{Href: "/rest/2/addons/x/versions/build/1009990"}}}
	build, ok := v.BuildNumber()
	require.True(t, ok)
	assert.Equal(t, "1009990", build)

	_, ok = (&Version{}).BuildNumber()
	assert.False(t, ok)
}

func TestCompatibilityWindow(t *testing.T) {
	v := Version{Compatibilities: []Compatibility{
		{
			Application: "confluence",
			Hosting: &CompatHosting{DataCenter: &CompatRange{
				Min: &CompatBound{Version: "7.19"},
				Max: &CompatBound{Version: "8.5"},
			}},
		},
		{
			Application: "jira",
			Hosting: &CompatHosting{DataCenter: &CompatRange{
				Min: &CompatBound{Version: "8.13"},
			}},
		},
	}}

	min, max := v.CompatibilityWindow("jira")
	assert.Equal(t, "8.13", min)
	assert.Empty(t, max)

	min, max = v.CompatibilityWindow("confluence")
	assert.Equal(t, "7.19", min)
	assert.Equal(t, "8.5", max)

	min, max = v.CompatibilityWindow("bitbucket")
	assert.Empty(t, min)
	assert.Empty(t, max)
}

func TestBinaryURLPrefersEmbeddedArtifact(t *testing.T) {
	v := Version{
		Links: VersionLinks{Binary: &Link{Href: "https://example.com/listing.jar"}},
		Embedded: &VersionEmbedded{Artifact: &struct {
			Links struct {
				Binary *Link `json:"binary"`
			} `json:"_links"`
		}{}},
	}
	v.Embedded.Artifact.Links.Binary = &Link{Href: "https://example.com/detail.jar"}

	assert.Equal(t, "https://example.com/detail.jar", v.BinaryURL())

	v.Embedded = nil
	assert.Equal(t, "https://example.com/listing.jar", v.BinaryURL())

	assert.Empty(t, (&Version{}).BinaryURL())
}

func TestVersionStatusFlags(t *testing.T) {
	assert.True(t, (&Version{Status: "hidden"}).Hidden())
	assert.True(t, (&Version{Status: "deprecated"}).Deprecated())
	assert.False(t, (&Version{Status: "published"}).Hidden())
	assert.False(t, (&Version{Status: "published"}).Deprecated())
}

func TestReleaseDateParsing(t *testing.T) {
	v := Version{Release: &struct {
		Date string `json:"date"`
	}{Date: "2024-06-01"}}
	require.NotNil(t, v.ReleaseDate())
	assert.Equal(t, 2024, v.ReleaseDate().Year())

	v.Release.Date = "not-a-date"
	assert.Nil(t, v.ReleaseDate())

	assert.Nil(t, (&Version{}).ReleaseDate())
}
