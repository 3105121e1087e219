package dokku

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/charmbracelet/x/ansi"

	"github.com/antonkrylov/wharf/internal/control/poll"
	"github.com/antonkrylov/wharf/internal/records"
)

// Follow-up names, as used in wait URLs.
const (
	CheckApp                = "check_app"
	CheckDeploy             = "check_deploy"
	CheckRebuild            = "check_rebuild"
	CheckAppConfigSet       = "check_app_config_set"
	CheckAppConfigUnset     = "check_app_config_unset"
	CheckGlobalConfigSet    = "check_global_config_set"
	CheckPostgres           = "check_postgres"
	CheckPostgresRemoval    = "check_postgres_removal"
	CheckRedis              = "check_redis"
	CheckRedisRemoval       = "check_redis_removal"
	CheckMariaDB            = "check_mariadb"
	CheckMariaDBRemoval     = "check_mariadb_removal"
	CheckDomain             = "check_domain"
	CheckLetsencrypt        = "check_letsencrypt"
	CheckLetsencryptRemoval = "check_letsencrypt_removal"
	CheckBuildpack          = "check_buildpack"
	CheckBuildpackRemoval   = "check_buildpack_removal"

	// CheckTask only records the outcome; it is used by generic submissions.
	CheckTask = "check_task"
)

func checkCreate(p Plugin) string {
	return "check_" + string(p)
}

func checkRemove(p Plugin) string {
	return "check_" + string(p) + "_removal"
}

// check describes one follow-up: the banners any of which must appear in
// the task output, and the cached reads to drop once it passed.
type check struct {
	banners    func(owner string) []string
	invalidate func(owner string) []string
	message    func(owner string) string
}

func literal(s ...string) func(string) []string {
	return func(string) []string { return s }
}

func (s *Service) checks() map[string]check {
	appConfig := func(app string) []string { return []string{Config(app)} }
	m := map[string]check{
		CheckApp: {
			banners:    func(app string) []string { return []string{fmt.Sprintf("Creating %s... done", app)} },
			invalidate: literal(AppsList),
			message:    func(app string) string { return "Created " + app },
		},
		CheckDeploy: {
			invalidate: func(app string) []string { return []string{Config(app), DomainsReport(app), PsReport(app)} },
			message:    func(app string) string { return app + " redeployed" },
		},
		CheckRebuild: {
			banners:    literal("Application deployed:"),
			invalidate: func(app string) []string { return []string{Config(app), PsReport(app)} },
			message:    func(app string) string { return app + " rebuilt" },
		},
		CheckAppConfigSet: {
			banners:    literal("-----> Setting config vars"),
			invalidate: appConfig,
			message:    func(string) string { return "Config updated" },
		},
		CheckAppConfigUnset: {
			banners:    literal("-----> Unsetting"),
			invalidate: appConfig,
			message:    func(string) string { return "Config updated" },
		},
		CheckGlobalConfigSet: {
			banners:    literal("-----> Setting config vars"),
			invalidate: literal(GlobalConfig),
			message:    func(string) string { return "Config updated" },
		},
		CheckDomain: {
			banners:    literal("Reloading nginx"),
			invalidate: func(app string) []string { return []string{DomainsReport(app), LetsencryptList} },
			message:    func(app string) string { return "Updated domain names of " + app },
		},
		CheckLetsencrypt: {
			banners:    literal("Certificate retrieved successfully"),
			invalidate: literal(LetsencryptList),
			message:    func(app string) string { return "Let's Encrypt enabled for " + app },
		},
		CheckLetsencryptRemoval: {
			banners:    literal("Disabling letsencrypt"),
			invalidate: literal(LetsencryptList),
			message:    func(app string) string { return "Let's Encrypt disabled for " + app },
		},
		CheckBuildpack: {
			invalidate: func(app string) []string { return []string{BuildpacksList(app)} },
			message:    func(app string) string { return "Buildpack added to " + app },
		},
		CheckBuildpackRemoval: {
			banners:    literal("-----> Removing"),
			invalidate: func(app string) []string { return []string{BuildpacksList(app), Config(app)} },
			message:    func(app string) string { return "Buildpack removed from " + app },
		},
		CheckTask: {
			invalidate: literal(),
			message:    func(string) string { return "Task finished" },
		},
	}
	for _, p := range Plugins {
		reads := func(app string) []string { return []string{p.List(), p.Info(Sanitize(app)), Config(app)} }
		m[checkCreate(p)] = check{
			banners: func(app string) []string {
				if p == Redis {
					return []string{"Redis container created", fmt.Sprintf("Redis service %s already exists", Sanitize(app))}
				}
				return []string{p.title() + " container created"}
			},
			invalidate: reads,
			message:    func(app string) string { return p.title() + " added to " + app },
		}
		m[checkRemove(p)] = check{
			banners:    literal(p.title() + " container deleted"),
			invalidate: reads,
			message:    func(app string) string { return p.title() + " link removed from " + app },
		}
	}
	return m
}

// RegisterFollowUps binds every follow-up of the dashboard to f.
func (s *Service) RegisterFollowUps(f *poll.FollowUps) {
	for name, c := range s.checks() {
		f.Register(name, s.followUp(name, c))
	}
}

func (s *Service) followUp(name string, c check) poll.FollowUpFunc {
	return func(ctx context.Context, owner, taskID string) (poll.FollowUpResult, error) {
		if c.banners != nil {
			st, err := s.core.Poll(taskID)
			if err != nil {
				return poll.FollowUpResult{}, err
			}
			out := ansi.Strip(st.Output)
			if banners := c.banners(owner); !containsAny(out, banners) {
				return poll.FollowUpResult{}, &OutputError{Want: fmt.Sprintf("one of %q", banners), Output: out}
			}
		}
		s.core.InvalidateMany(c.invalidate(owner)...)
		s.logger.Debug("follow-up passed", "follow_up", name, "task", taskID, "owner", owner)
		return poll.FollowUpResult{Redirect: redirectFor(owner), Message: c.message(owner)}, nil
	}
}

func containsAny(out string, banners []string) bool {
	for _, b := range banners {
		if strings.Contains(out, b) {
			return true
		}
	}
	return false
}

func redirectFor(owner string) string {
	if owner == "" || owner == records.GlobalOwner {
		return "/"
	}
	return "/apps/" + url.PathEscape(owner)
}
