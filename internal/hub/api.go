// ABOUTME: JSON API the data/API layer calls into the real-time core with
// ABOUTME: Covers conversation events, typing, escalations, notifications, and presence reads

package hub

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cynerellc/buzzi-realtime/internal/bus"
	"github.com/cynerellc/buzzi-realtime/internal/handover"
	"github.com/cynerellc/buzzi-realtime/internal/notify"
	"github.com/cynerellc/buzzi-realtime/internal/presence"
	"github.com/cynerellc/buzzi-realtime/internal/store"
	"github.com/cynerellc/buzzi-realtime/internal/typing"
)

func (h *Hub) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/events", h.handlePublishEvent)
	mux.HandleFunc("POST /api/typing/start", h.handleStartTyping)
	mux.HandleFunc("POST /api/typing/stop", h.handleStopTyping)
	mux.HandleFunc("GET /api/typing/{conversationID}", h.handleTypingState)
	mux.HandleFunc("POST /api/escalations", h.handleEnqueueEscalation)
	mux.HandleFunc("GET /api/escalations", h.handlePendingEscalations)
	mux.HandleFunc("POST /api/escalations/{conversationID}/assign", h.handleMarkAssigned)
	mux.HandleFunc("POST /api/conversations/{conversationID}/resolve", h.handleResolve)
	mux.HandleFunc("POST /api/conversations/{conversationID}/return-to-ai", h.handleReturnToAI)
	mux.HandleFunc("POST /api/conversations/{conversationID}/abandon", h.handleAbandon)
	mux.HandleFunc("POST /api/notify", h.handleNotify)
	mux.HandleFunc("GET /api/presence", h.handlePresence)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

type publishEventRequest struct {
	ConversationID string          `json:"conversationId"`
	Type           bus.EventType   `json:"type"`
	Data           json.RawMessage `json:"data"`
}

// handlePublishEvent is publishConversationEvent: the data layer pushes
// conversation mutations (new message, status change) onto the bus.
func (h *Hub) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	var req publishEventRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ConversationID == "" || req.Type == "" {
		http.Error(w, "conversationId and type are required", http.StatusBadRequest)
		return
	}
	h.bus.Publish(bus.ConversationChannel(req.ConversationID), req.Type, req.Data)
	w.WriteHeader(http.StatusAccepted)
}

type startTypingRequest struct {
	ConversationID string          `json:"conversationId"`
	UserID         string          `json:"userId"`
	UserName       string          `json:"userName"`
	UserType       typing.UserType `json:"userType"`
}

func (h *Hub) handleStartTyping(w http.ResponseWriter, r *http.Request) {
	var req startTypingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ConversationID == "" || req.UserID == "" {
		http.Error(w, "conversationId and userId are required", http.StatusBadRequest)
		return
	}
	if req.UserType == "" {
		req.UserType = typing.UserTypeEndUser
	}
	broadcast := h.typing.StartTyping(req.ConversationID, req.UserID, req.UserName, req.UserType)
	writeJSON(w, http.StatusOK, map[string]bool{"broadcast": broadcast})
}

type stopTypingRequest struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

func (h *Hub) handleStopTyping(w http.ResponseWriter, r *http.Request) {
	var req stopTypingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	stopped := h.typing.StopTyping(req.ConversationID, req.UserID)
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

func (h *Hub) handleTypingState(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("conversationID")
	writeJSON(w, http.StatusOK, map[string]any{
		"users":   h.typing.TypingUsers(conversationID),
		"summary": h.typing.Summary(conversationID),
	})
}

type enqueueEscalationRequest struct {
	ConversationID string          `json:"conversationId"`
	CompanyID      string          `json:"companyId"`
	Reason         handover.Reason `json:"reason"`
	Priority       notify.Priority `json:"priority"`
}

func (h *Hub) handleEnqueueEscalation(w http.ResponseWriter, r *http.Request) {
	var req enqueueEscalationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ConversationID == "" || req.CompanyID == "" {
		http.Error(w, "conversationId and companyId are required", http.StatusBadRequest)
		return
	}
	entry, err := h.queue.Enqueue(r.Context(), req.ConversationID, req.CompanyID, req.Reason, req.Priority)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// handlePendingEscalations serves the agent-inbox queue view,
// reconciled against the durable store so drift self-heals.
func (h *Hub) handlePendingEscalations(w http.ResponseWriter, r *http.Request) {
	pending, err := h.queue.PendingReconciled(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

func (h *Hub) handleMarkAssigned(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("conversationID")
	if err := h.queue.MarkAssigned(r.Context(), conversationID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, handover.ErrNotQueued) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Hub) handleResolve(w http.ResponseWriter, r *http.Request) {
	h.finishConversation(w, h.queue.Resolve(r.Context(), r.PathValue("conversationID")))
}

func (h *Hub) handleReturnToAI(w http.ResponseWriter, r *http.Request) {
	h.finishConversation(w, h.queue.ReturnToAI(r.Context(), r.PathValue("conversationID")))
}

func (h *Hub) handleAbandon(w http.ResponseWriter, r *http.Request) {
	h.finishConversation(w, h.queue.Abandon(r.Context(), r.PathValue("conversationID")))
}

func (h *Hub) finishConversation(w http.ResponseWriter, err error) {
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type notifyRequest struct {
	Targets      []notify.Target     `json:"targets"`
	Notification notify.Notification `json:"notification"`
}

func (h *Hub) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Targets) == 0 {
		http.Error(w, "at least one target is required", http.StatusBadRequest)
		return
	}
	if req.Notification.Type == "" {
		http.Error(w, "notification.type is required", http.StatusBadRequest)
		return
	}
	if err := h.dispatcher.Dispatch(req.Notification, req.Targets...); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Hub) handlePresence(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	if !validChannel(channel) {
		http.Error(w, "unknown or missing channel", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]presence.User{
		"online": h.presence.OnlineUsers(channel),
	})
}
