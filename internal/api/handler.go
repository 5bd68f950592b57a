package api

import (
	"net/http"
	"sort"
	"time"

	"chat_relay/internal/domain"
	"chat_relay/internal/repository"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// ConnectionCounter reports how many users hold a live connection on this node.
type ConnectionCounter interface {
	Stats() int
}

type Handler struct {
	store    repository.MessageStore
	counter  ConnectionCounter
	verifier TokenVerifier
	ws       http.Handler
	log      *zap.Logger
}

func New(store repository.MessageStore, counter ConnectionCounter, verifier TokenVerifier, ws http.Handler, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		store:    store,
		counter:  counter,
		verifier: verifier,
		ws:       ws,
		log:      log,
	}
}

func (h *Handler) SetupRouter() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", h.Health).Methods("GET")

	// WebSocket; the handler authenticates the upgrade itself
	r.Handle("/api/ws", h.ws).Methods("GET")

	// REST API
	rest := r.PathPrefix("/api/rest").Subrouter()
	rest.Use(RequireUser(h.verifier))
	rest.HandleFunc("/chat/rooms", h.ListRooms).Methods("GET")

	return r
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"connections": h.counter.Stats(),
	})
}

// ListRooms returns every conversation of the caller, one per partner, with the
// most recently active conversation first.
func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Invalid token")
		return
	}

	messages, err := h.store.Find(r.Context(), repository.Involving(user))
	if err != nil {
		h.log.Error("Failed to load conversations", zap.Stringer("user_id", user), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to load conversations")
		return
	}

	writeJSON(w, http.StatusOK, groupByPartner(user, messages))
}

func groupByPartner(user uuid.UUID, messages []domain.Message) []domain.Conversation {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})

	index := make(map[uuid.UUID]int)
	rooms := []domain.Conversation{}
	for _, m := range messages {
		partner := m.RecipientID
		if partner == user {
			partner = m.SenderID
		}
		i, ok := index[partner]
		if !ok {
			i = len(rooms)
			index[partner] = i
			rooms = append(rooms, domain.Conversation{PartnerID: partner})
		}
		rooms[i].Messages = append(rooms[i].Messages, m)
	}

	sort.SliceStable(rooms, func(i, j int) bool {
		return lastActivity(rooms[i]).After(lastActivity(rooms[j]))
	})
	return rooms
}

func lastActivity(c domain.Conversation) time.Time {
	return c.Messages[len(c.Messages)-1].CreatedAt
}
