package dokku

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/antonkrylov/wharf/internal/records"
)

// SignatureHeader carries the GitHub HMAC of the request body. A mismatch is
// answered without the expected value.
const SignatureHeader = "X-Hub-Signature"

// WebhookError is a request the webhook rejects; the web layer answers it
// with 400 and the message.
type WebhookError struct {
	Msg string
}

func (e *WebhookError) Error() string {
	return e.Msg
}

// WebhookResult is the answer to an accepted webhook call. Deploy is empty
// when nothing was started.
type WebhookResult struct {
	Message string
	Deploy  *Submission
}

type pushEvent struct {
	HookID *int64 `json:"hook_id"`
	Hook   struct {
		Events []string `json:"events"`
	} `json:"hook"`
	Ref        string `json:"ref"`
	Repository struct {
		CloneURL      string `json:"clone_url"`
		DefaultBranch string `json:"default_branch"`
	} `json:"repository"`
}

// Signature computes the X-Hub-Signature value of body.
func Signature(secret, body []byte) string {
	mac := hmac.New(sha1.New, secret)
	mac.Write(body)
	return "sha1=" + hex.EncodeToString(mac.Sum(nil))
}

// HandleWebhook processes a GitHub webhook delivery. Pings are accepted when
// the hook subscribes to pushes; pushes to the default branch of a known
// repository deploy the app it belongs to.
func (s *Service) HandleWebhook(ctx context.Context, secret []byte, signature string, body []byte) (WebhookResult, error) {
	if signature == "" {
		return WebhookResult{}, &WebhookError{Msg: "No X-Hub-Signature header"}
	}
	want := Signature(secret, body)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		s.logger.Warn("webhook signature mismatch", "got", signature, "body_bytes", len(body))
		return WebhookResult{}, &WebhookError{Msg: "Invalid X-Hub-Signature"}
	}
	var ev pushEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return WebhookResult{}, &WebhookError{Msg: "malformed payload: " + err.Error()}
	}
	if ev.HookID != nil {
		if !slices.Contains(ev.Hook.Events, "push") {
			return WebhookResult{}, &WebhookError{Msg: "No Push event set!"}
		}
		return WebhookResult{Message: "All good"}, nil
	}
	defaultRef := "refs/heads/" + ev.Repository.DefaultBranch
	if ev.Ref != defaultRef {
		return WebhookResult{Message: fmt.Sprintf("Push to non-default branch (saw %s, expected %s)", ev.Ref, defaultRef)}, nil
	}
	cloneURL := ev.Repository.CloneURL
	app, err := s.records.AppByGitHubURL(ctx, cloneURL)
	if errors.Is(err, records.ErrNotFound) {
		return WebhookResult{}, &WebhookError{Msg: "Can't find an entry for clone URL " + cloneURL}
	}
	if err != nil {
		return WebhookResult{}, err
	}
	sub, err := s.Deploy(ctx, app.Name, cloneURL, ev.Repository.DefaultBranch)
	if err != nil {
		return WebhookResult{}, err
	}
	return WebhookResult{Message: "Running deploy", Deploy: &sub}, nil
}
