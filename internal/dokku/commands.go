// Package dokku holds the dashboard features: dokku command lines, parsers
// for their reports, the state-changing actions and the follow-ups that
// validate those actions and invalidate the cached reads they affect.
//
// Everything here goes through the core primitives; nothing in this
// package talks to the transport directly.
package dokku

import (
	"fmt"
	"regexp"
	"strings"
)

// Read commands. These are the cache keys.
const (
	AppsList        = "apps:list"
	GlobalConfig    = "config --global"
	LetsencryptList = "letsencrypt:ls"
)

// Plugin names a dokku datastore plugin.
type Plugin string

const (
	Postgres Plugin = "postgres"
	Redis    Plugin = "redis"
	MariaDB  Plugin = "mariadb"
)

// Plugins lists the datastores the dashboard manages.
var Plugins = []Plugin{Postgres, Redis, MariaDB}

func (p Plugin) List() string {
	return string(p) + ":list"
}

func (p Plugin) Info(service string) string {
	return fmt.Sprintf("%s:info %s", p, service)
}

func (p Plugin) title() string {
	switch p {
	case MariaDB:
		return "MariaDB"
	default:
		return strings.ToUpper(string(p[:1])) + string(p[1:])
	}
}

func Config(app string) string {
	return "config " + app
}

func PsReport(app string) string {
	return "ps:report " + app
}

func DomainsReport(app string) string {
	return "domains:report " + app
}

func BuildpacksList(app string) string {
	return "buildpacks:list " + app
}

// Logs reads the last hundred log lines of app.
func Logs(app string) string {
	return fmt.Sprintf("logs %s --num 100", app)
}

// AppReads are the cached summary views of one app.
func AppReads(app string) []string {
	reads := []string{
		Config(app),
		PsReport(app),
		DomainsReport(app),
		BuildpacksList(app),
		LetsencryptList,
	}
	for _, p := range Plugins {
		reads = append(reads, p.List(), p.Info(Sanitize(app)))
	}
	return reads
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9]+`)

// Sanitize derives a datastore service name from an app name.
func Sanitize(app string) string {
	return unsafeName.ReplaceAllString(app, "")
}

// FormatConfigString turns "KEY:VALUE" lines, as typed into the bulk config
// form, into the "KEY=VALUE " arguments of config:set. Only the first colon
// separates, so values may contain colons. Lines without a separator are
// skipped; the result keeps a trailing space.
func FormatConfigString(input string) string {
	var b strings.Builder
	for _, line := range strings.Split(input, "\n") {
		key, value, ok := strings.Cut(strings.TrimRight(line, "\r"), ":")
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "%s=%s ", key, value)
	}
	return b.String()
}
