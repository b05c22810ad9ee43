// Package http exposes the webhook and health endpoints.
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/product-os/deploynaut/internal/adapter/otel"
	"github.com/product-os/deploynaut/internal/domain/policy"
	"github.com/product-os/deploynaut/internal/domain/webhook"
	"github.com/product-os/deploynaut/internal/logger"
	"github.com/product-os/deploynaut/internal/service"
)

const maxRequestBodySize = 1 << 20 // 1 MB

// Handlers holds the dependencies of the HTTP layer.
type Handlers struct {
	Orchestrator *service.Orchestrator
	Policy       *policy.Config
}

// HandleGitHubWebhook dispatches a delivery on its event header. Events
// this service does not act on are acknowledged and dropped; GitHub
// retries only failed deliveries.
func (h *Handlers) HandleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	event := r.Header.Get("X-GitHub-Event")
	log := slog.With("event", event, "delivery", logger.DeliveryID(r.Context()))

	switch event {
	case "deployment_protection_rule":
		h.handleDeploymentProtection(w, r, log)
	case "pull_request_review":
		h.handleReviewSubmitted(w, r, log)
	default:
		log.Debug("ignoring event")
		writeJSON(w, http.StatusOK, ackResponse{Status: "ignored"})
	}
}

func (h *Handlers) handleDeploymentProtection(w http.ResponseWriter, r *http.Request, log *slog.Logger) {
	ev, ok := readJSON[webhook.DeploymentProtectionEvent](w, r)
	if !ok {
		return
	}
	if ev.Action != "requested" {
		writeJSON(w, http.StatusOK, ackResponse{Status: "ignored"})
		return
	}

	ctx, span := otel.StartFlowSpan(r.Context(), "deployment_protection", ev.Repository.FullName)
	defer span.End()

	if err := h.Orchestrator.HandleDeploymentProtection(ctx, h.Policy, &ev); err != nil {
		log.Error("deployment protection flow failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusAccepted, ackResponse{Status: "processed"})
}

func (h *Handlers) handleReviewSubmitted(w http.ResponseWriter, r *http.Request, log *slog.Logger) {
	ev, ok := readJSON[webhook.ReviewSubmittedEvent](w, r)
	if !ok {
		return
	}
	if ev.Action != "submitted" {
		writeJSON(w, http.StatusOK, ackResponse{Status: "ignored"})
		return
	}

	ctx, span := otel.StartFlowSpan(r.Context(), "review_submitted", ev.Repository.FullName)
	defer span.End()

	if err := h.Orchestrator.HandleReviewSubmitted(ctx, h.Policy, &ev); err != nil {
		log.Error("review submitted flow failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusAccepted, ackResponse{Status: "processed"})
}

type ackResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// readJSON decodes a JSON request body with a size limit.
func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
