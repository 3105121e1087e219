package dokku

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/antonkrylov/wharf/internal/records"
)

var (
	// ErrAppExists is returned when creating an app the dashboard already
	// knows about.
	ErrAppExists = errors.New("app already exists")
	// ErrInvalidInput covers empty names and config input with no pairs.
	ErrInvalidInput = errors.New("invalid input")
)

// Submission identifies a task started by an action and the follow-up to
// run once it has succeeded.
type Submission struct {
	TaskID   string
	Owner    string
	FollowUp string
}

// WaitPath is the polling page for the submission.
func (s Submission) WaitPath() string {
	return fmt.Sprintf("/apps/%s/wait/%s/%s", url.PathEscape(s.Owner), s.TaskID, s.FollowUp)
}

// Submit starts commands as one task. Tasks of an app get their history
// entry right away; polling get-or-creates the same entry, so whichever
// comes first wins. An empty followUp means CheckTask.
func (s *Service) Submit(ctx context.Context, owner, description, followUp string, commands ...string) (Submission, error) {
	if owner == "" {
		owner = records.GlobalOwner
	}
	if followUp == "" {
		followUp = CheckTask
	}
	if owner != records.GlobalOwner && !validName(owner) {
		return Submission{}, fmt.Errorf("%w: app name %q", ErrInvalidInput, owner)
	}
	id, err := s.core.RunAsync(owner, description, commands...)
	if err != nil {
		return Submission{}, err
	}
	if owner != records.GlobalOwner && s.records != nil {
		_, _, err := s.records.GetOrCreateTaskLog(ctx, records.TaskLog{
			TaskID:      id,
			Owner:       owner,
			Description: description,
			Created:     s.clockFn(),
		})
		if err != nil {
			s.logger.Warn("record task", "task", id, "owner", owner, "err", err)
		}
	}
	s.logger.Info("task submitted", "task", id, "owner", owner, "description", description, "follow_up", followUp)
	return Submission{TaskID: id, Owner: owner, FollowUp: followUp}, nil
}

func validName(name string) bool {
	return name != "" && !strings.ContainsAny(name, " \t\r\n;&|`$<>")
}

// CreateApp records app and runs apps:create.
func (s *Service) CreateApp(ctx context.Context, app string) (Submission, error) {
	if !validName(app) {
		return Submission{}, fmt.Errorf("%w: app name %q", ErrInvalidInput, app)
	}
	if _, err := s.records.GetApp(ctx, app); err == nil {
		return Submission{}, fmt.Errorf("%w: you already have an app called %q", ErrAppExists, app)
	} else if !errors.Is(err, records.ErrNotFound) {
		return Submission{}, err
	}
	if _, err := s.records.CreateApp(ctx, app, ""); err != nil {
		return Submission{}, err
	}
	return s.Submit(ctx, app, "Add app "+app, CheckApp, "apps:create "+app)
}

// Deploy syncs app from a git repository and builds it. branch may be empty
// to use the repository default.
func (s *Service) Deploy(ctx context.Context, app, repo, branch string) (Submission, error) {
	if repo == "" {
		return Submission{}, fmt.Errorf("%w: repository url", ErrInvalidInput)
	}
	cmd := fmt.Sprintf("git:sync --build %s %s", app, repo)
	if branch != "" {
		cmd += " " + branch
	}
	sub, err := s.Submit(ctx, app, "Deploying "+app, CheckDeploy, cmd)
	if err != nil {
		return Submission{}, err
	}
	s.core.InvalidateMany(Config(app), DomainsReport(app), PsReport(app))
	return sub, nil
}

func (s *Service) Rebuild(ctx context.Context, app string) (Submission, error) {
	return s.Submit(ctx, app, "Rebuilding", CheckRebuild, "ps:rebuild "+app)
}

// SetAppConfig applies the "KEY:VALUE" lines of input to app.
func (s *Service) SetAppConfig(ctx context.Context, app, input string) (Submission, error) {
	args := FormatConfigString(input)
	if args == "" {
		return Submission{}, fmt.Errorf("%w: no KEY:VALUE pairs", ErrInvalidInput)
	}
	return s.Submit(ctx, app, "Setting app configuration", CheckAppConfigSet,
		fmt.Sprintf("config:set %s %s", app, args))
}

func (s *Service) UnsetAppConfig(ctx context.Context, app, key string) (Submission, error) {
	if !validName(key) {
		return Submission{}, fmt.Errorf("%w: config key %q", ErrInvalidInput, key)
	}
	return s.Submit(ctx, app, "Removing "+key, CheckAppConfigUnset,
		fmt.Sprintf("config:unset %s %s", app, key))
}

// SetGlobalConfig applies the "KEY:VALUE" lines of input globally.
func (s *Service) SetGlobalConfig(ctx context.Context, input string) (Submission, error) {
	args := FormatConfigString(input)
	if args == "" {
		return Submission{}, fmt.Errorf("%w: no KEY:VALUE pairs", ErrInvalidInput)
	}
	return s.Submit(ctx, records.GlobalOwner, "Setting global configuration", CheckGlobalConfigSet,
		"config:set --global "+args)
}

// CreateDatastore creates a service of plugin p named after app and links
// it to app.
func (s *Service) CreateDatastore(ctx context.Context, p Plugin, app string) (Submission, error) {
	name := Sanitize(app)
	return s.Submit(ctx, app, "Add "+p.title(), checkCreate(p),
		fmt.Sprintf("%s:create %s", p, name),
		fmt.Sprintf("%s:link %s %s", p, name, app))
}

// RemoveDatastore unlinks and destroys the service of plugin p belonging to
// app. An empty service means the one named after app.
func (s *Service) RemoveDatastore(ctx context.Context, p Plugin, app, service string) (Submission, error) {
	if service == "" {
		service = Sanitize(app)
	}
	if !validName(service) {
		return Submission{}, fmt.Errorf("%w: service %q", ErrInvalidInput, service)
	}
	return s.Submit(ctx, app, "Remove "+p.title(), checkRemove(p),
		fmt.Sprintf("%s:unlink %s %s", p, service, app),
		fmt.Sprintf("%s:destroy %s -f", p, service))
}

// domainCommands appends a certificate re-issue when app already has one,
// so the new vhost list is covered.
func (s *Service) domainCommands(ctx context.Context, app, cmd string) ([]string, error) {
	cert, err := s.Letsencrypt(ctx, app)
	if err != nil && !errors.Is(err, ErrPluginMissing) {
		return nil, err
	}
	cmds := []string{cmd}
	if cert != nil {
		cmds = append(cmds, "letsencrypt "+app)
	}
	return cmds, nil
}

func (s *Service) AddDomain(ctx context.Context, app, domain string) (Submission, error) {
	if !validName(domain) {
		return Submission{}, fmt.Errorf("%w: domain %q", ErrInvalidInput, domain)
	}
	cmds, err := s.domainCommands(ctx, app, fmt.Sprintf("domains:add %s %s", app, domain))
	if err != nil {
		return Submission{}, err
	}
	return s.Submit(ctx, app, "Add domain "+domain, CheckDomain, cmds...)
}

func (s *Service) RemoveDomain(ctx context.Context, app, domain string) (Submission, error) {
	if !validName(domain) {
		return Submission{}, fmt.Errorf("%w: domain %q", ErrInvalidInput, domain)
	}
	cmds, err := s.domainCommands(ctx, app, fmt.Sprintf("domains:remove %s %s", app, domain))
	if err != nil {
		return Submission{}, err
	}
	return s.Submit(ctx, app, "Remove domain "+domain, CheckDomain, cmds...)
}

func (s *Service) EnableLetsencrypt(ctx context.Context, app string) (Submission, error) {
	return s.Submit(ctx, app, "Enable Let's Encrypt", CheckLetsencrypt, "letsencrypt "+app)
}

func (s *Service) DisableLetsencrypt(ctx context.Context, app string) (Submission, error) {
	return s.Submit(ctx, app, "Disable Let's Encrypt", CheckLetsencryptRemoval, "letsencrypt:disable "+app)
}

// AddBuildpack appends url to the buildpacks of app. With replace set the
// list is replaced instead. index is 1-based; 0 leaves placement to dokku.
func (s *Service) AddBuildpack(ctx context.Context, app, buildpack string, replace bool, index int) (Submission, error) {
	if !validName(buildpack) {
		return Submission{}, fmt.Errorf("%w: buildpack %q", ErrInvalidInput, buildpack)
	}
	verb, desc := "add", "Adding buildpack to list"
	if replace {
		verb, desc = "set", "Setting buildpack to app"
	}
	cmd := "buildpacks:" + verb
	if index > 0 {
		cmd += fmt.Sprintf(" --index %d", index)
	}
	return s.Submit(ctx, app, desc, CheckBuildpack, fmt.Sprintf("%s %s %s", cmd, app, buildpack))
}

func (s *Service) RemoveBuildpack(ctx context.Context, app, buildpack string) (Submission, error) {
	if !validName(buildpack) {
		return Submission{}, fmt.Errorf("%w: buildpack %q", ErrInvalidInput, buildpack)
	}
	return s.Submit(ctx, app, fmt.Sprintf("Removing %s buildpack from %s", buildpack, app), CheckBuildpackRemoval,
		fmt.Sprintf("buildpacks:remove %s %s", app, buildpack))
}
