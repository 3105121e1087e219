package dokku

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/antonkrylov/wharf/internal/control/core"
	"github.com/antonkrylov/wharf/internal/control/tasks"
	"github.com/antonkrylov/wharf/internal/records"
)

// Core is the subset of core.Core the features use.
type Core interface {
	RunSync(ctx context.Context, command string) (string, error)
	RunCached(ctx context.Context, command string, ttl time.Duration) (string, error)
	RunAsync(owner, description string, commands ...string) (string, error)
	Poll(id string) (tasks.Status, error)
	InvalidateMany(commands ...string)
}

var _ Core = (*core.Core)(nil)

// Options tune a Service.
type Options struct {
	// CacheTTL applies to every cached read; 0 uses the cache default.
	CacheTTL time.Duration
	Clock    func() time.Time
	Logger   *slog.Logger
}

// Service implements the dashboard features on top of the core.
type Service struct {
	core    Core
	records *records.Store
	ttl     time.Duration
	clockFn func() time.Time
	logger  *slog.Logger
}

func New(c Core, store *records.Store, opts Options) *Service {
	s := &Service{
		core:    c,
		records: store,
		ttl:     opts.CacheTTL,
		clockFn: opts.Clock,
		logger:  opts.Logger,
	}
	if s.clockFn == nil {
		s.clockFn = time.Now
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s
}

func (s *Service) cached(ctx context.Context, command string) (string, error) {
	return s.core.RunCached(ctx, command, s.ttl)
}

// report reads a cached command and, when the command itself failed, hands
// its output to the parser anyway: dokku reports missing plugins and
// missing services through non-zero exits with a message.
func (s *Service) report(ctx context.Context, command string) (string, error) {
	out, err := s.cached(ctx, command)
	var failed *core.CommandFailedError
	if errors.As(err, &failed) {
		return failed.Output, nil
	}
	return out, err
}

// Apps lists the apps on the host.
func (s *Service) Apps(ctx context.Context) ([]string, error) {
	out, err := s.cached(ctx, AppsList)
	if err != nil {
		return nil, err
	}
	return ParseAppList(out)
}

func (s *Service) AppConfig(ctx context.Context, app string) (map[string]string, error) {
	out, err := s.cached(ctx, Config(app))
	if err != nil {
		return nil, err
	}
	return ParseConfig(app, out)
}

func (s *Service) GlobalConfig(ctx context.Context) (map[string]string, error) {
	out, err := s.cached(ctx, GlobalConfig)
	if err != nil {
		return nil, err
	}
	return ParseConfig("global", out)
}

func (s *Service) ProcessInfo(ctx context.Context, app string) (ProcessInfo, error) {
	out, err := s.cached(ctx, PsReport(app))
	if err != nil {
		return ProcessInfo{}, err
	}
	return ParseProcessInfo(app, out)
}

func (s *Service) Domains(ctx context.Context, app string) ([]string, error) {
	out, err := s.cached(ctx, DomainsReport(app))
	if err != nil {
		return nil, err
	}
	return ParseDomains(out)
}

// Letsencrypt returns the certificate entry of app, nil when there is none.
func (s *Service) Letsencrypt(ctx context.Context, app string) (Row, error) {
	out, err := s.report(ctx, LetsencryptList)
	if err != nil {
		return nil, err
	}
	return ParseLetsencrypt(app, out)
}

// Buildpacks lists the buildpacks configured for app.
func (s *Service) Buildpacks(ctx context.Context, app string) ([]string, error) {
	out, err := s.report(ctx, BuildpacksList(app))
	if err != nil {
		return nil, err
	}
	return ParseBuildpacks(out)
}

// Datastores returns the services of plugin p that belong to app. The
// classic table listing is filtered by name and links; newer plugins only
// list names, in which case the service named after the app is inspected.
func (s *Service) Datastores(ctx context.Context, p Plugin, app string) ([]Row, error) {
	out, err := s.report(ctx, p.List())
	if err != nil {
		return nil, err
	}
	if strings.Contains(firstLine(out), "is not a dokku command") {
		return nil, ErrPluginMissing
	}
	if tabular(out) {
		rows, err := ParseDBList(app, out)
		if err != nil {
			// Do not keep serving a listing we cannot read.
			s.core.InvalidateMany(p.List())
		}
		return rows, err
	}
	out, err = s.report(ctx, p.Info(Sanitize(app)))
	if err != nil {
		return nil, err
	}
	row, err := ParseServiceInfo(out)
	if err != nil || row == nil {
		return nil, err
	}
	row["NAME"] = Sanitize(app)
	return []Row{row}, nil
}

// Logs returns the recent log lines of app with terminal escapes removed.
// Logs are never cached.
func (s *Service) Logs(ctx context.Context, app string) (string, error) {
	out, err := s.core.RunSync(ctx, Logs(app))
	var failed *core.CommandFailedError
	if errors.As(err, &failed) {
		return ansi.Strip(strings.TrimSpace(failed.Output)), nil
	}
	if err != nil {
		return "", err
	}
	return ansi.Strip(strings.TrimSpace(out)), nil
}

// RefreshApp drops every cached summary view of app in one step.
func (s *Service) RefreshApp(app string) {
	s.core.InvalidateMany(AppReads(app)...)
}

// AppView is everything the app page shows.
type AppView struct {
	Name        string
	GitHubURL   string
	Config      map[string]string
	ConfigKeys  []string
	Domains     []string
	Process     ProcessInfo
	Datastores  map[Plugin][]Row
	Letsencrypt Row
	Buildpacks  []string
	Logs        string
	TaskLogs    []records.TaskLog
	// Errors holds the sections that could not be read, by section name.
	Errors map[string]string
}

// AppInfo assembles the app page from cached reads. A section whose command
// fails (for example because the app does not exist) is left empty and
// noted in Errors; a broken command channel aborts the whole view.
func (s *Service) AppInfo(ctx context.Context, app string) (AppView, error) {
	rec, err := s.records.EnsureApp(ctx, app)
	if err != nil {
		return AppView{}, err
	}
	v := AppView{
		Name:       app,
		GitHubURL:  rec.GitHubURL,
		Config:     map[string]string{},
		Datastores: map[Plugin][]Row{},
		Errors:     map[string]string{},
	}
	section := func(name string, err error) error {
		if err == nil {
			return nil
		}
		if core.Classify(err) == core.KindTransport || ctx.Err() != nil {
			return err
		}
		v.Errors[name] = err.Error()
		return nil
	}

	cfg, err := s.AppConfig(ctx, app)
	if err := section("config", err); err != nil {
		return AppView{}, err
	}
	if cfg != nil {
		v.Config = cfg
	}
	if url := v.Config["GITHUB_URL"]; url != "" && url != rec.GitHubURL {
		if err := s.records.SetGitHubURL(ctx, app, url); err != nil {
			return AppView{}, err
		}
		v.GitHubURL = url
	}
	for k := range v.Config {
		v.ConfigKeys = append(v.ConfigKeys, k)
	}
	sort.Strings(v.ConfigKeys)

	v.Domains, err = s.Domains(ctx, app)
	if err := section("domains", err); err != nil {
		return AppView{}, err
	}
	v.Process, err = s.ProcessInfo(ctx, app)
	if err := section("process", err); err != nil {
		return AppView{}, err
	}
	for _, p := range Plugins {
		rows, err := s.Datastores(ctx, p, app)
		if err := section(string(p), err); err != nil {
			return AppView{}, err
		}
		v.Datastores[p] = rows
	}
	v.Letsencrypt, err = s.Letsencrypt(ctx, app)
	if err := section("letsencrypt", err); err != nil {
		return AppView{}, err
	}
	v.Buildpacks, err = s.Buildpacks(ctx, app)
	if err := section("buildpacks", err); err != nil {
		return AppView{}, err
	}
	v.Logs, err = s.Logs(ctx, app)
	if err := section("logs", err); err != nil {
		return AppView{}, err
	}
	v.TaskLogs, err = s.records.ListTaskLogs(ctx, app)
	if err != nil {
		return AppView{}, fmt.Errorf("task logs of %s: %w", app, err)
	}
	return v, nil
}
