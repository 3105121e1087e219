package web

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/antonkrylov/wharf/internal/control/core"
	"github.com/antonkrylov/wharf/internal/control/poll"
	"github.com/antonkrylov/wharf/internal/control/tasks"
	"github.com/antonkrylov/wharf/internal/records"
	"github.com/antonkrylov/wharf/internal/web/api"
)

func (s *Server) handleSubmit(c *gin.Context) {
	var req api.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	if len(req.Commands) == 0 {
		s.fail(c, tasks.ErrNoCommands)
		return
	}
	s.submitted(c)(s.features.Submit(c.Request.Context(), req.Owner, req.Description, "", req.Commands...))
}

func (s *Server) handleListTasks(c *gin.Context) {
	list := s.core.Tasks().List(c.Query("owner"))
	out := make([]api.Task, 0, len(list))
	for _, t := range list {
		out = append(out, taskJSON(t))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handlePoll(c *gin.Context) {
	st, err := s.core.Poll(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, statusJSON(st, s.machine.Interval()))
}

// handleWait runs one step of the poll state machine. Browsers follow the
// Refresh header while the task runs and are redirected once the follow-up
// passed; JSON clients get the decision itself.
func (s *Server) handleWait(c *gin.Context) {
	d, err := s.machine.Poll(c.Request.Context(), c.Param("app"), c.Param("id"), c.Param("after"))
	if err != nil {
		s.fail(c, err)
		return
	}
	switch d.Action {
	case poll.Wait:
		c.Header("Refresh", strconv.Itoa(refreshSeconds(d.RetryAfter)))
	case poll.FollowUp:
		if !wantsJSON(c) {
			c.Redirect(http.StatusSeeOther, d.Redirect)
			return
		}
	}
	c.JSON(http.StatusOK, decisionJSON(d))
}

func refreshSeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}

func wantsJSON(c *gin.Context) bool {
	return strings.Contains(c.GetHeader("Accept"), "application/json")
}

// handleWatch pushes task output over a websocket until the task is
// terminal. With ?after=<follow-up> the last frame carries the decision the
// wait route would have made.
func (s *Server) handleWatch(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.core.Poll(id); err != nil {
		s.fail(c, err)
		return
	}
	owner := c.Query("owner")
	if owner == "" {
		owner = records.GlobalOwner
	}
	after := c.Query("after")

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", "task", id, "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		// drain control frames; any read error means the peer is gone
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	err = s.core.Tasks().Watch(ctx, id, s.opts.Heartbeat, func(u tasks.Update) error {
		frame := api.Update{
			State:    string(u.State),
			Output:   ansi.Strip(u.Output),
			Terminal: u.Terminal,
			Error:    u.Error,
		}
		if u.Terminal && after != "" {
			d, err := s.machine.Poll(ctx, owner, id, after)
			if err != nil {
				return err
			}
			dj := decisionJSON(d)
			frame.Decision = &dj
		}
		return conn.WriteJSON(frame)
	})
	switch {
	case err == nil:
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
			time.Now().Add(time.Second))
	case errors.Is(err, context.Canceled):
	default:
		s.logger.Warn("watch task", "task", id, "err", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()),
			time.Now().Add(time.Second))
	}
}

// handleShowLog shows a history entry with whatever output is still held.
// Tasks without an entry (global ones) are shown from the registry alone.
func (s *Server) handleShowLog(c *gin.Context) {
	id := c.Param("id")
	log, err := s.records.GetTaskLog(c.Request.Context(), id)
	if err != nil && !errors.Is(err, records.ErrNotFound) {
		s.fail(c, err)
		return
	}
	recorded := err == nil

	st, err := s.core.Poll(id)
	switch {
	case err == nil:
	case core.Classify(err) == core.KindNotFound && recorded:
		c.JSON(http.StatusOK, api.LogView{TaskLog: taskLogJSON(log), Expired: true})
		return
	default:
		s.fail(c, err)
		return
	}
	if !recorded {
		log = records.TaskLog{TaskID: st.ID, Owner: st.Owner, Description: st.Description}
	}
	c.JSON(http.StatusOK, api.LogView{
		TaskLog: taskLogJSON(log),
		State:   string(st.State),
		Output:  ansi.Strip(st.Output),
	})
}
