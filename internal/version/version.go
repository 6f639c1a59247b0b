// Package version хранит сведения о сборке.
//
// Значения задаются через -ldflags "-X .../internal/version.version=...";
// без них коммит и дата берутся из VCS-меток go build, если они есть.
package version

import (
	"fmt"
	"runtime/debug"
	"sync"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

// Build: сведения о текущем бинарнике.
type Build struct {
	Version  string
	Commit   string
	Date     string
	Modified bool
}

var current = sync.OnceValue(func() Build {
	info, _ := debug.ReadBuildInfo()
	return resolve(version, commit, date, info)
})

// resolve дополняет ldflags-значения VCS-метками из info.
func resolve(v, c, d string, info *debug.BuildInfo) Build {
	b := Build{Version: v, Commit: c, Date: d}
	if info != nil {
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if b.Commit == "" {
					b.Commit = s.Value
				}
			case "vcs.time":
				if b.Date == "" {
					b.Date = s.Value
				}
			case "vcs.modified":
				b.Modified = s.Value == "true"
			}
		}
	}
	if len(b.Commit) > 12 {
		b.Commit = b.Commit[:12]
	}
	if b.Commit == "" {
		b.Commit = "unknown"
	}
	if b.Date == "" {
		b.Date = "unknown"
	}
	return b
}

// Current возвращает сведения о сборке.
func Current() Build { return current() }

// GetVersion возвращает версию сборки.
func GetVersion() string { return current().Version }

// UserAgent используется HTTP-клиентами платёжных шлюзов.
func UserAgent() string {
	return "purchases/" + current().Version
}

func String() string {
	b := current()
	s := fmt.Sprintf("version=%s commit=%s date=%s", b.Version, b.Commit, b.Date)
	if b.Modified {
		s += " dirty"
	}
	return s
}
