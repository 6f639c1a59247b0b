package version

import (
	"runtime/debug"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func buildInfo(settings map[string]string) *debug.BuildInfo {
	info := &debug.BuildInfo{}
	for k, v := range settings {
		info.Settings = append(info.Settings, debug.BuildSetting{Key: k, Value: v})
	}
	return info
}

func TestResolve(t *testing.T) {
	testCases := []struct {
		name    string
		v, c, d string
		info    *debug.BuildInfo
		want    Build
	}{
		{
			name: "no build info",
			v:    "dev",
			want: Build{Version: "dev", Commit: "unknown", Date: "unknown"},
		},
		{
			name: "ldflags win over vcs",
			v:    "1.4.0", c: "abc123", d: "2030-01-01",
			info: buildInfo(map[string]string{"vcs.revision": "ffffffffffffffff", "vcs.time": "2029-12-31T00:00:00Z"}),
			want: Build{Version: "1.4.0", Commit: "abc123", Date: "2030-01-01"},
		},
		{
			name: "vcs fills the gaps",
			v:    "dev",
			info: buildInfo(map[string]string{
				"vcs.revision": "0123456789abcdef0123",
				"vcs.time":     "2030-06-01T10:00:00Z",
				"vcs.modified": "true",
			}),
			want: Build{Version: "dev", Commit: "0123456789ab", Date: "2030-06-01T10:00:00Z", Modified: true},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, resolve(tc.v, tc.c, tc.d, tc.info))
		})
	}
}

func TestCurrent(t *testing.T) {
	b := Current()
	assert.NotEmpty(t, b.Version)
	assert.NotEmpty(t, b.Commit)
	assert.NotEmpty(t, b.Date)
	assert.Equal(t, b.Version, GetVersion())
	assert.Equal(t, b, Current(), "build info is resolved once")
}

func TestString(t *testing.T) {
	s := String()
	for _, part := range []string{"version=", "commit=", "date="} {
		assert.Contains(t, s, part)
	}
}

func TestUserAgent(t *testing.T) {
	ua := UserAgent()
	assert.True(t, strings.HasPrefix(ua, "purchases/"), ua)
	assert.True(t, strings.HasSuffix(ua, GetVersion()), ua)
}
