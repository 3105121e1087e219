package web

import (
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/gin-gonic/gin"

	"github.com/antonkrylov/wharf/internal/control/core"
	"github.com/antonkrylov/wharf/internal/control/poll"
	"github.com/antonkrylov/wharf/internal/control/tasks"
	"github.com/antonkrylov/wharf/internal/dokku"
	"github.com/antonkrylov/wharf/internal/records"
	"github.com/antonkrylov/wharf/internal/transport"
	"github.com/antonkrylov/wharf/internal/web/api"
)

// fail maps err onto a status code. A rejected key turns into the setup
// answer so the operator can install it on the dokku host.
func (s *Server) fail(c *gin.Context, err error) {
	if errors.Is(err, transport.ErrAuth) {
		s.setupKey(c, http.StatusServiceUnavailable, err)
		return
	}
	body := api.Error{Error: err.Error()}
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, dokku.ErrInvalidInput), errors.Is(err, tasks.ErrNoCommands):
		code = http.StatusBadRequest
	case errors.Is(err, dokku.ErrAppExists):
		code = http.StatusConflict
	case errors.Is(err, records.ErrNotFound), errors.Is(err, tasks.ErrNotFound),
		errors.Is(err, poll.ErrUnknownFollowUp):
		code = http.StatusNotFound
	case errors.Is(err, dokku.ErrUnexpectedOutput), errors.Is(err, dokku.ErrPluginMissing):
		code = http.StatusBadGateway
	}
	kind := core.Classify(err)
	body.Kind = kind.String()
	if code == http.StatusInternalServerError {
		switch kind {
		case core.KindNotFound:
			code = http.StatusNotFound
		case core.KindTransport, core.KindCommandFailed:
			code = http.StatusBadGateway
		case core.KindTimedOut:
			code = http.StatusServiceUnavailable
		}
	}
	var cmdErr *core.CommandFailedError
	if errors.As(err, &cmdErr) {
		body.Output = ansi.Strip(cmdErr.Output)
	}
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "kind", body.Kind, "err", err)
	}
	c.AbortWithStatusJSON(code, body)
}

func (s *Server) setupKey(c *gin.Context, code int, cause error) {
	key := ""
	if s.opts.PublicKey != nil {
		var err error
		if key, err = s.opts.PublicKey(); err != nil {
			s.logger.Error("read public key", "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, api.Error{Error: err.Error()})
			return
		}
	}
	body := api.SetupKey{PublicKey: key}
	if cause != nil {
		body.Error = cause.Error()
	}
	c.AbortWithStatusJSON(code, body)
}

func submissionJSON(sub dokku.Submission) api.Submission {
	return api.Submission{
		TaskID:   sub.TaskID,
		Owner:    sub.Owner,
		FollowUp: sub.FollowUp,
		Wait:     sub.WaitPath(),
	}
}

func statusJSON(st tasks.Status, retry time.Duration) api.TaskStatus {
	out := api.TaskStatus{
		ID:          st.ID,
		State:       string(st.State),
		Output:      ansi.Strip(st.Output),
		Terminal:    st.Terminal,
		Error:       st.Error,
		ExitCode:    st.ExitCode,
		Description: st.Description,
		Owner:       st.Owner,
	}
	if !st.Terminal {
		out.RetryAfterMS = retry.Milliseconds()
	}
	return out
}

func taskJSON(t tasks.Task) api.Task {
	out := api.Task{
		ID:          t.ID,
		Commands:    t.Commands,
		Description: t.Description,
		Owner:       t.Owner,
		State:       string(t.State),
		ExitCode:    t.ExitCode,
		Error:       t.Error,
		Created:     t.Created,
	}
	if !t.Started.IsZero() {
		out.Started = &t.Started
	}
	if !t.Finished.IsZero() {
		out.Finished = &t.Finished
	}
	return out
}

func decisionJSON(d poll.Decision) api.Decision {
	return api.Decision{
		Action:       d.Action.String(),
		TaskID:       d.TaskID,
		Owner:        d.Owner,
		State:        string(d.State),
		Description:  d.Description,
		Output:       d.Output,
		Error:        d.Error,
		RetryAfterMS: d.RetryAfter.Milliseconds(),
		Redirect:     d.Redirect,
		Message:      d.Message,
	}
}

func taskLogJSON(l records.TaskLog) api.TaskLog {
	return api.TaskLog{
		TaskID:      l.TaskID,
		Owner:       l.Owner,
		Description: l.Description,
		Created:     l.Created,
		Success:     l.Success,
	}
}

func appViewJSON(v dokku.AppView) api.AppView {
	out := api.AppView{
		Name:        v.Name,
		GitHubURL:   v.GitHubURL,
		Config:      v.Config,
		ConfigKeys:  v.ConfigKeys,
		Domains:     v.Domains,
		Process:     api.Process{Fields: v.Process.Fields, Processes: v.Process.Processes},
		Datastores:  map[string][]map[string]string{},
		Letsencrypt: v.Letsencrypt,
		Buildpacks:  v.Buildpacks,
		Logs:        v.Logs,
		TaskLogs:    make([]api.TaskLog, 0, len(v.TaskLogs)),
		Errors:      v.Errors,
	}
	for p, rows := range v.Datastores {
		list := make([]map[string]string, 0, len(rows))
		for _, r := range rows {
			list = append(list, r)
		}
		out.Datastores[string(p)] = list
	}
	for _, l := range v.TaskLogs {
		out.TaskLogs = append(out.TaskLogs, taskLogJSON(l))
	}
	return out
}
