package dokku

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrPluginMissing is returned when the dokku plugin behind a command is
	// not installed.
	ErrPluginMissing = errors.New("dokku plugin not installed")
	// ErrUnexpectedOutput matches every *OutputError.
	ErrUnexpectedOutput = errors.New("unexpected dokku output")
)

// OutputError reports output that does not have the expected shape.
type OutputError struct {
	Want   string
	Output string
}

func (e *OutputError) Error() string {
	return fmt.Sprintf("unexpected dokku output: want %s, got %q", e.Want, firstLine(e.Output))
}

func (e *OutputError) Is(target error) bool {
	return target == ErrUnexpectedOutput
}

// Row is one entry of a tabular or key/value report.
type Row map[string]string

func lines(out string) []string {
	out = strings.TrimSpace(out)
	if out == "" {
		return []string{""}
	}
	ls := strings.Split(out, "\n")
	for i, l := range ls {
		ls[i] = strings.TrimRight(l, "\r")
	}
	return ls
}

func firstLine(out string) string {
	return lines(out)[0]
}

// ParseAppList parses apps:list.
func ParseAppList(out string) ([]string, error) {
	ls := lines(out)
	if strings.Contains(ls[0], "You haven't deployed any applications") {
		return nil, nil
	}
	if ls[0] != "=====> My Apps" {
		return nil, &OutputError{Want: `"=====> My Apps"`, Output: out}
	}
	var apps []string
	for _, l := range ls[1:] {
		if l = strings.TrimSpace(l); l != "" {
			apps = append(apps, l)
		}
	}
	return apps, nil
}

// ParseConfig parses the env var listing of config <app> or, with name
// "global", config --global.
func ParseConfig(name, out string) (map[string]string, error) {
	ls := lines(out)
	header := fmt.Sprintf("=====> %s env vars", name)
	if ls[0] != header {
		return nil, &OutputError{Want: fmt.Sprintf("%q", header), Output: out}
	}
	config := make(map[string]string, len(ls)-1)
	for _, l := range ls[1:] {
		if strings.TrimSpace(l) == "" {
			continue
		}
		key, value, ok := strings.Cut(l, ":")
		if !ok {
			return nil, &OutputError{Want: "KEY: value", Output: l}
		}
		config[key] = strings.TrimLeft(value, " \t")
	}
	return config, nil
}

// ProcessInfo is the parsed ps:report of an app.
type ProcessInfo struct {
	Fields map[string]string
	// Processes maps "web 1" style process names to their status word.
	Processes map[string]string
}

var processStatus = regexp.MustCompile(`^Status\s+(\S+?[. ]\d+):?\s+(\S+)`)

// ParseProcessInfo parses ps:report <app>. Older dokku versions title the
// report "process information", newer ones "ps information".
func ParseProcessInfo(app, out string) (ProcessInfo, error) {
	ls := lines(out)
	if !strings.Contains(ls[0], app+" process information") && !strings.Contains(ls[0], app+" ps information") {
		return ProcessInfo{}, &OutputError{Want: "ps information header", Output: out}
	}
	info := ProcessInfo{Fields: map[string]string{}, Processes: map[string]string{}}
	for _, l := range ls[1:] {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if strings.HasPrefix(l, "Status ") {
			m := processStatus.FindStringSubmatch(l)
			if m == nil {
				return ProcessInfo{}, &OutputError{Want: "Status <process>: <state>", Output: l}
			}
			info.Processes[m[1]] = m[2]
			continue
		}
		name, rest, ok := strings.Cut(l, ":")
		if !ok {
			return ProcessInfo{}, &OutputError{Want: "Name: value", Output: l}
		}
		info.Fields[strings.TrimSpace(name)] = strings.TrimSpace(rest)
	}
	return info, nil
}

var appVhosts = regexp.MustCompile(`Domains app vhosts:(.*)`)

// ParseDomains returns the app vhosts from domains:report <app>.
func ParseDomains(out string) ([]string, error) {
	m := appVhosts.FindStringSubmatch(out)
	if m == nil {
		return nil, &OutputError{Want: `"Domains app vhosts:" line`, Output: out}
	}
	return strings.Fields(m[1]), nil
}

// ParseList parses the column-aligned listings printed by dokku plugins.
// Column boundaries come from the position of each field name in the header
// line; nameField always starts at column zero. A nil result with no error
// means the plugin reported that there is nothing to list.
func ParseList(out, nameField string, fields []string) ([]Row, error) {
	ls := lines(out)
	header := ls[0]
	if strings.Contains(header, "is not a dokku command") {
		return nil, ErrPluginMissing
	}
	if strings.Contains(header, "There are no") {
		return nil, nil
	}
	starts := make([]int, len(fields))
	for i, f := range fields {
		idx := strings.Index(header, f)
		if idx < 0 {
			return nil, &OutputError{Want: fmt.Sprintf("column %q", f), Output: out}
		}
		if f == nameField {
			idx = 0
		}
		starts[i] = idx
	}
	rows := make([]Row, 0, len(ls)-1)
	for _, l := range ls[1:] {
		if strings.TrimSpace(l) == "" {
			continue
		}
		row := make(Row, len(fields))
		for i, f := range fields {
			end := len(l)
			if i+1 < len(fields) {
				end = min(starts[i+1], len(l))
			}
			start := min(starts[i], end)
			row[f] = strings.TrimSpace(l[start:end])
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// FindRow returns the row whose nameField equals name, or nil.
func FindRow(rows []Row, nameField, name string) Row {
	for _, r := range rows {
		if r[nameField] == name {
			return r
		}
	}
	return nil
}

var (
	dbNameField = "NAME"
	dbFields    = []string{"NAME", "VERSION", "STATUS", "EXPOSED PORTS", "LINKS"}
)

// ParseDBList parses a datastore :list table and returns the services of
// app: the one named after it, or else every service linked to it.
func ParseDBList(app, out string) ([]Row, error) {
	rows, err := ParseList(out, dbNameField, dbFields)
	if err != nil || rows == nil {
		return nil, err
	}
	if r := FindRow(rows, dbNameField, app); r != nil {
		return []Row{r}, nil
	}
	var linked []Row
	for _, r := range rows {
		if r["LINKS"] == app {
			linked = append(linked, r)
		}
	}
	return linked, nil
}

// tabular reports whether a :list output is the classic column table as
// opposed to the bare service name listing of newer plugins.
func tabular(out string) bool {
	return strings.Contains(firstLine(out), dbNameField)
}

// ParseServiceInfo parses <plugin>:info <service> into its fields. A nil
// row means the service does not exist.
func ParseServiceInfo(out string) (Row, error) {
	ls := lines(out)
	if strings.Contains(ls[0], "is not a dokku command") {
		return nil, ErrPluginMissing
	}
	if strings.Contains(ls[0], "does not exist") {
		return nil, nil
	}
	if !strings.HasPrefix(ls[0], "=====>") {
		return nil, &OutputError{Want: "service information header", Output: out}
	}
	row := Row{}
	for _, l := range ls[1:] {
		name, value, ok := strings.Cut(strings.TrimSpace(l), ":")
		if !ok {
			continue
		}
		row[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return row, nil
}

var (
	letsencryptNameField = "App name"
	letsencryptFields    = []string{"App name", "Certificate Expiry", "Time before expiry", "Time before renewal"}
)

// ParseLetsencrypt returns the certificate row of app from letsencrypt:ls,
// or nil when app has no certificate.
func ParseLetsencrypt(app, out string) (Row, error) {
	rows, err := ParseList(out, letsencryptNameField, letsencryptFields)
	if err != nil {
		return nil, err
	}
	return FindRow(rows, letsencryptNameField, app), nil
}

// ParseBuildpacks parses buildpacks:list <app>.
func ParseBuildpacks(out string) ([]string, error) {
	ls := lines(out)
	if strings.Contains(ls[0], "is not a dokku command") {
		return nil, ErrPluginMissing
	}
	if strings.Contains(ls[0], "There are no") {
		return nil, nil
	}
	var packs []string
	for _, l := range ls[1:] {
		if f := strings.Fields(l); len(f) > 0 {
			packs = append(packs, f[0])
		}
	}
	return packs, nil
}
