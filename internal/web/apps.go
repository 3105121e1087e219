package web

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"

	"github.com/antonkrylov/wharf/internal/control/core"
	"github.com/antonkrylov/wharf/internal/dokku"
	"github.com/antonkrylov/wharf/internal/records"
	"github.com/antonkrylov/wharf/internal/web/api"
)

func (s *Server) handleStatus(c *gin.Context) {
	err := s.core.CheckStatus(c.Request.Context())
	switch core.Classify(err) {
	case core.KindOK:
		c.String(http.StatusOK, "All good")
	case core.KindTimedOut:
		c.String(http.StatusServiceUnavailable, "Timeout trying to get status")
	default:
		s.logger.Error("status check", "err", err)
		c.String(http.StatusInternalServerError, "Error trying to get status: %s", err)
	}
}

func (s *Server) handleSetupKey(c *gin.Context) {
	s.setupKey(c, http.StatusOK, nil)
}

func (s *Server) handleRefreshAll(c *gin.Context) {
	s.core.ClearAll()
	c.Status(http.StatusNoContent)
}

func (s *Server) handlePurge(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"purged": s.core.Purge()})
}

func (s *Server) handleIndex(c *gin.Context) {
	ctx := c.Request.Context()
	apps, err := s.features.Apps(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	global, err := s.features.GlobalConfig(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	if apps == nil {
		apps = []string{}
	}
	c.JSON(http.StatusOK, api.Index{Apps: apps, GlobalConfig: global})
}

type nameRequest struct {
	Name string `json:"name" binding:"required"`
}

func (s *Server) handleCreateApp(c *gin.Context) {
	var req nameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	s.submitted(c)(s.features.CreateApp(c.Request.Context(), req.Name))
}

func (s *Server) handleAppInfo(c *gin.Context) {
	view, err := s.features.AppInfo(c.Request.Context(), c.Param("app"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, appViewJSON(view))
}

func (s *Server) handleRefreshApp(c *gin.Context) {
	s.features.RefreshApp(c.Param("app"))
	c.Status(http.StatusNoContent)
}

type configRequest struct {
	// Input holds KEY:VALUE lines.
	Input string `json:"input" binding:"required"`
}

func (s *Server) handleAppConfigSet(c *gin.Context) {
	var req configRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	s.submitted(c)(s.features.SetAppConfig(c.Request.Context(), c.Param("app"), req.Input))
}

func (s *Server) handleAppConfigUnset(c *gin.Context) {
	s.submitted(c)(s.features.UnsetAppConfig(c.Request.Context(), c.Param("app"), c.Param("key")))
}

func (s *Server) handleGlobalConfigSet(c *gin.Context) {
	var req configRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	s.submitted(c)(s.features.SetGlobalConfig(c.Request.Context(), req.Input))
}

type deployRequest struct {
	Action string `json:"action"`
	URL    string `json:"url"`
	Branch string `json:"branch"`
}

// handleDeploy rebuilds the app, or deploys url (the recorded GitHub URL
// by default) with git:sync.
func (s *Server) handleDeploy(c *gin.Context) {
	var req deployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	app := c.Param("app")
	switch req.Action {
	case "rebuild":
		s.submitted(c)(s.features.Rebuild(ctx, app))
	case "", "deploy":
		if req.URL == "" {
			rec, err := s.records.GetApp(ctx, app)
			if err != nil && !errors.Is(err, records.ErrNotFound) {
				s.fail(c, err)
				return
			}
			req.URL = rec.GitHubURL
		}
		if req.URL == "" {
			s.badRequest(c, fmt.Errorf("no repository URL given or recorded for %s", app))
			return
		}
		s.submitted(c)(s.features.Deploy(ctx, app, req.URL, req.Branch))
	default:
		s.badRequest(c, fmt.Errorf("unknown deploy action %q", req.Action))
	}
}

func (s *Server) plugin(c *gin.Context) (dokku.Plugin, bool) {
	p := dokku.Plugin(c.Param("plugin"))
	if !slices.Contains(dokku.Plugins, p) {
		c.AbortWithStatusJSON(http.StatusNotFound, api.Error{Error: fmt.Sprintf("unknown datastore %q", p)})
		return "", false
	}
	return p, true
}

func (s *Server) handleCreateDatastore(c *gin.Context) {
	p, ok := s.plugin(c)
	if !ok {
		return
	}
	s.submitted(c)(s.features.CreateDatastore(c.Request.Context(), p, c.Param("app")))
}

func (s *Server) handleRemoveDatastore(c *gin.Context) {
	p, ok := s.plugin(c)
	if !ok {
		return
	}
	s.submitted(c)(s.features.RemoveDatastore(c.Request.Context(), p, c.Param("app"), c.Query("service")))
}

type domainRequest struct {
	Domain string `json:"domain" binding:"required"`
}

func (s *Server) handleAddDomain(c *gin.Context) {
	var req domainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	s.submitted(c)(s.features.AddDomain(c.Request.Context(), c.Param("app"), req.Domain))
}

func (s *Server) handleRemoveDomain(c *gin.Context) {
	s.submitted(c)(s.features.RemoveDomain(c.Request.Context(), c.Param("app"), c.Param("domain")))
}

func (s *Server) handleEnableLetsencrypt(c *gin.Context) {
	s.submitted(c)(s.features.EnableLetsencrypt(c.Request.Context(), c.Param("app")))
}

func (s *Server) handleDisableLetsencrypt(c *gin.Context) {
	s.submitted(c)(s.features.DisableLetsencrypt(c.Request.Context(), c.Param("app")))
}

type buildpackRequest struct {
	Buildpack string `json:"buildpack" binding:"required"`
	// Replace swaps the whole list for this buildpack.
	Replace bool `json:"replace"`
	// Index is 1-based; 0 appends.
	Index int `json:"index"`
}

func (s *Server) handleAddBuildpack(c *gin.Context) {
	var req buildpackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	s.submitted(c)(s.features.AddBuildpack(c.Request.Context(), c.Param("app"), req.Buildpack, req.Replace, req.Index))
}

func (s *Server) handleRemoveBuildpack(c *gin.Context) {
	bp := c.Query("buildpack")
	if bp == "" {
		s.badRequest(c, errors.New("buildpack query parameter is required"))
		return
	}
	s.submitted(c)(s.features.RemoveBuildpack(c.Request.Context(), c.Param("app"), bp))
}

// handleWebhook answers GitHub in plain text, as GitHub shows the body in
// its delivery log.
func (s *Server) handleWebhook(c *gin.Context) {
	if s.opts.WebhookSecret == "" {
		c.String(http.StatusNotFound, "Webhook is not configured")
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.String(http.StatusBadRequest, "read body: %s", err)
		return
	}
	res, err := s.features.HandleWebhook(c.Request.Context(), []byte(s.opts.WebhookSecret), c.GetHeader(dokku.SignatureHeader), body)
	var hookErr *dokku.WebhookError
	switch {
	case errors.As(err, &hookErr):
		c.String(http.StatusBadRequest, "%s", hookErr.Msg)
		return
	case err != nil:
		s.logger.Error("webhook", "err", err)
		c.String(http.StatusInternalServerError, "%s", err)
		return
	}
	if res.Deploy != nil {
		c.String(http.StatusOK, "%s: /logs/%s", res.Message, res.Deploy.TaskID)
		return
	}
	c.String(http.StatusOK, "%s", res.Message)
}

func (s *Server) badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, api.Error{Error: err.Error()})
}

// submitted writes the answer of an action: 202 with the polling URL, or
// the mapped error.
func (s *Server) submitted(c *gin.Context) func(dokku.Submission, error) {
	return func(sub dokku.Submission, err error) {
		if err != nil {
			s.fail(c, err)
			return
		}
		c.Header("Location", sub.WaitPath())
		c.JSON(http.StatusAccepted, submissionJSON(sub))
	}
}
