package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"buildplane/internal/logger"

	"github.com/go-playground/webhooks/v6/github"
)

// TriggerHook handles POST /hooks/{hook}.
// Any request to a known hook name enqueues a build of its project.
func (h *Handlers) TriggerHook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	project, err := h.store.GetProjectByHook(ctx, r.PathValue("hook"))
	if err != nil {
		h.storeError(w, r, err, "Failed to resolve hook")
		return
	}

	build, err := h.dispatcher.Enqueue(ctx, project.ID)
	if err != nil {
		h.storeError(w, r, err, "Failed to enqueue build")
		return
	}
	h.respondJson(w, http.StatusAccepted, toBuildResponse(build, false))
}

// GitHubHook handles POST /hooks/github/{hook}.
// Push events enqueue a build when the pushed ref is the project's branch,
// or for any ref when the project has no branch.
func (h *Handlers) GitHubHook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx, slog.Default())

	project, err := h.store.GetProjectByHook(ctx, r.PathValue("hook"))
	if err != nil {
		h.storeError(w, r, err, "Failed to resolve hook")
		return
	}

	hook, err := github.New(github.Options.Secret(h.config.GitHubSecret))
	if err != nil {
		h.storeError(w, r, err, "Failed to set up hook parser")
		return
	}

	payload, err := hook.Parse(r, github.PushEvent, github.PingEvent)
	if err != nil {
		switch {
		case errors.Is(err, github.ErrEventNotFound):
			h.respondJson(w, http.StatusOK, map[string]string{"status": "ignored"})
		case errors.Is(err, github.ErrHMACVerificationFailed), errors.Is(err, github.ErrMissingHubSignatureHeader):
			log.Warn("rejected github hook", "hook", project.HookName, "error", err)
			h.httpError(w, "Invalid signature", http.StatusUnauthorized)
		default:
			h.httpError(w, "Invalid hook payload", http.StatusBadRequest)
		}
		return
	}

	switch event := payload.(type) {
	case github.PingPayload:
		h.respondJson(w, http.StatusOK, map[string]string{"status": "pong"})
	case github.PushPayload:
		if project.VCSBranch != "" && event.Ref != "refs/heads/"+project.VCSBranch {
			log.Debug("ignoring push to other branch", "hook", project.HookName, "ref", event.Ref)
			h.respondJson(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		build, err := h.dispatcher.Enqueue(ctx, project.ID)
		if err != nil {
			h.storeError(w, r, err, "Failed to enqueue build")
			return
		}
		h.respondJson(w, http.StatusAccepted, toBuildResponse(build, false))
	default:
		h.respondJson(w, http.StatusOK, map[string]string{"status": "ignored"})
	}
}
