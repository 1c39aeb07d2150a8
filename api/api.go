// Package api exposes the conversation service over HTTP: conversation CRUD
// and lifecycle operations, WebSocket ticket issuance and the live observer
// socket. Handlers are mounted on a goa muxer and return JSON error bodies
// with stable machine-readable codes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/health"
	goahttp "goa.design/goa/v3/http"

	"goa.design/roundtable/apns"
	"goa.design/roundtable/auth"
	"goa.design/roundtable/convo"
	"goa.design/roundtable/delivery"
	"goa.design/roundtable/registry"
	"goa.design/roundtable/store"
	"goa.design/roundtable/telemetry"
)

type (
	// Conductor is the conversation lifecycle surface the handlers drive.
	// Satisfied by *orchestrator.Orchestrator.
	Conductor interface {
		Start(ctx context.Context, conversationID string) error
		Pause(ctx context.Context, conversationID string) error
		Cancel(ctx context.Context, conversationID string) error
	}

	// DeviceRegistrar records push device bindings. Satisfied by
	// *delivery.MemoryTokens.
	DeviceRegistrar interface {
		Register(userID string, target delivery.PushTarget)
		Remove(userID string)
	}

	// Options wires the service.
	Options struct {
		// Store persists conversations. Required.
		Store store.Store
		// Conductor drives conversation lifecycles. Required.
		Conductor Conductor
		// Registry tracks live observer sessions. Required.
		Registry *registry.Registry
		// Verifier authenticates bearer tokens. Required.
		Verifier auth.Verifier
		// Tickets mints WebSocket connection tickets. Required.
		Tickets *auth.TicketIssuer
		// Devices records push device bindings. Optional; without it the
		// device routes are not mounted.
		Devices DeviceRegistrar
		// Health lists dependency pingers surfaced by /healthz.
		Health []health.Pinger
		// Logger records request handling events. Defaults to noop.
		Logger telemetry.Logger
	}

	// Service is the HTTP layer.
	Service struct {
		store     store.Store
		conductor Conductor
		registry  *registry.Registry
		verifier  auth.Verifier
		tickets   *auth.TicketIssuer
		devices   DeviceRegistrar
		health    []health.Pinger
		logger    telemetry.Logger
		upgrader  websocketUpgrader
	}

	// CreateConversationRequest is the POST /conversations body.
	CreateConversationRequest struct {
		Topic        string               `json:"topic"`
		Goal         string               `json:"goal,omitempty"`
		Mode         convo.Mode           `json:"mode"`
		MaxTurns     int                  `json:"maxTurns"`
		Participants []ParticipantRequest `json:"participants"`
	}

	// ParticipantRequest describes one agent to bind into a conversation.
	ParticipantRequest struct {
		AgentID      string  `json:"agentId"`
		DisplayName  string  `json:"displayName"`
		Provider     string  `json:"provider"`
		ModelID      string  `json:"modelId"`
		SystemPrompt string  `json:"systemPrompt,omitempty"`
		Temperature  float32 `json:"temperature,omitempty"`
		MaxTokens    int     `json:"maxTokens,omitempty"`
	}

	// TicketResponse is the POST /tickets body.
	TicketResponse struct {
		Ticket    string `json:"ticket"`
		ExpiresIn int    `json:"expiresInSeconds"`
	}

	// ErrorBody is the JSON error envelope.
	ErrorBody struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details string `json:"details,omitempty"`
	}

	claimsKey struct{}
)

// New builds the HTTP service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Conductor == nil {
		return nil, errors.New("conductor is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if opts.Verifier == nil {
		return nil, errors.New("verifier is required")
	}
	if opts.Tickets == nil {
		return nil, errors.New("ticket issuer is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Service{
		store:     opts.Store,
		conductor: opts.Conductor,
		registry:  opts.Registry,
		verifier:  opts.Verifier,
		tickets:   opts.Tickets,
		devices:   opts.Devices,
		health:    opts.Health,
		logger:    logger,
		upgrader:  newUpgrader(),
	}, nil
}

// Mount registers the service routes.
func (s *Service) Mount(mux goahttp.Muxer) {
	mux.Handle("POST", "/conversations", s.authed(s.createConversation))
	mux.Handle("GET", "/conversations", s.authed(s.listConversations))
	mux.Handle("GET", "/conversations/{id}", s.authed(s.getConversation(mux)))
	mux.Handle("POST", "/conversations/{id}/join", s.authed(s.joinConversation(mux)))
	mux.Handle("POST", "/conversations/{id}/start", s.authed(s.lifecycle(mux, s.conductor.Start, http.StatusAccepted)))
	mux.Handle("POST", "/conversations/{id}/pause", s.authed(s.lifecycle(mux, s.conductor.Pause, http.StatusOK)))
	mux.Handle("POST", "/conversations/{id}/cancel", s.authed(s.lifecycle(mux, s.conductor.Cancel, http.StatusOK)))
	mux.Handle("POST", "/tickets", s.authed(s.issueTicket))
	if s.devices != nil {
		mux.Handle("POST", "/devices", s.authed(s.registerDevice))
		mux.Handle("DELETE", "/devices", s.authed(s.removeDevice))
	}
	mux.Handle("GET", "/ws", s.serveWS)
	mux.Handle("GET", "/healthz", health.Handler(health.NewChecker(s.health...)))
}

// authed wraps a handler with bearer token verification and stashes the
// verified claims in the request context.
func (s *Service) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token", "")
			return
		}
		claims, err := s.verifier.Verify(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token", "")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	}
}

func callerClaims(ctx context.Context) auth.Claims {
	claims, _ := ctx.Value(claimsKey{}).(auth.Claims)
	return claims
}

func (s *Service) createConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "malformed request body", err.Error())
		return
	}
	claims := callerClaims(r.Context())

	now := time.Now().UTC()
	c := &convo.Conversation{
		ID:              uuid.NewString(),
		Topic:           req.Topic,
		Goal:            req.Goal,
		Mode:            req.Mode,
		MaxTurns:        req.MaxTurns,
		Status:          convo.StatusPending,
		InitiatorUserID: claims.UserID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if c.Mode == "" {
		c.Mode = convo.ModeCampfire
	}
	for _, p := range req.Participants {
		participant := convo.Participant{
			ID:           uuid.NewString(),
			AgentID:      p.AgentID,
			UserID:       claims.UserID,
			DisplayName:  p.DisplayName,
			Provider:     p.Provider,
			ModelID:      p.ModelID,
			SystemPrompt: p.SystemPrompt,
			Temperature:  p.Temperature,
			MaxTokens:    p.MaxTokens,
		}
		if err := c.Join(participant, now); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_participant", err.Error(), "")
			return
		}
	}
	if err := c.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_conversation", err.Error(), "")
		return
	}
	if err := s.store.Put(r.Context(), c); err != nil {
		s.fail(w, r, err, "create conversation")
		return
	}
	if err := s.store.AddUserToConversation(r.Context(), claims.UserID, c.ID); err != nil {
		s.fail(w, r, err, "index conversation")
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Service) listConversations(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r.Context())
	convos, err := s.store.ListByUser(r.Context(), claims.UserID)
	if err != nil {
		s.fail(w, r, err, "list conversations")
		return
	}
	writeJSON(w, http.StatusOK, convos)
}

func (s *Service) getConversation(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := s.store.Get(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			s.fail(w, r, err, "get conversation")
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func (s *Service) joinConversation(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ParticipantRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", "malformed request body", err.Error())
			return
		}
		claims := callerClaims(r.Context())
		id := mux.Vars(r)["id"]

		c, err := s.store.Get(r.Context(), id)
		if err != nil {
			s.fail(w, r, err, "get conversation")
			return
		}
		participant := convo.Participant{
			ID:           uuid.NewString(),
			AgentID:      req.AgentID,
			UserID:       claims.UserID,
			DisplayName:  req.DisplayName,
			Provider:     req.Provider,
			ModelID:      req.ModelID,
			SystemPrompt: req.SystemPrompt,
			Temperature:  req.Temperature,
			MaxTokens:    req.MaxTokens,
		}
		if err := c.Join(participant, time.Now().UTC()); err != nil {
			writeError(w, http.StatusConflict, "invalid_state", err.Error(), "")
			return
		}
		if err := s.store.Put(r.Context(), c); err != nil {
			s.fail(w, r, err, "persist join")
			return
		}
		if err := s.store.AddUserToConversation(r.Context(), claims.UserID, c.ID); err != nil {
			s.fail(w, r, err, "index conversation")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// lifecycle adapts a conductor operation into a handler answering with the
// given success status. Operation failures other than a missing conversation
// reflect conversation state and map to 409.
func (s *Service) lifecycle(mux goahttp.Muxer, op func(context.Context, string) error, status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := op(r.Context(), id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "not_found", "conversation not found", "")
				return
			}
			writeError(w, http.StatusConflict, "invalid_state", err.Error(), "")
			return
		}
		c, err := s.store.Get(r.Context(), id)
		if err != nil {
			s.fail(w, r, err, "get conversation")
			return
		}
		writeJSON(w, status, c)
	}
}

func (s *Service) issueTicket(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r.Context())
	ticket, err := s.tickets.Issue(claims.UserID)
	if err != nil {
		s.fail(w, r, err, "issue ticket")
		return
	}
	writeJSON(w, http.StatusCreated, TicketResponse{
		Ticket:    ticket,
		ExpiresIn: int(auth.DefaultTicketTTL / time.Second),
	})
}

func (s *Service) registerDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceToken string `json:"deviceToken"`
		Environment string `json:"environment,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceToken == "" {
		writeError(w, http.StatusBadRequest, "invalid_body", "device token is required", "")
		return
	}
	claims := callerClaims(r.Context())
	s.devices.Register(claims.UserID, delivery.PushTarget{
		DeviceToken: req.DeviceToken,
		Environment: apns.Environment(req.Environment),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) removeDevice(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r.Context())
	s.devices.Remove(claims.UserID)
	w.WriteHeader(http.StatusNoContent)
}

// fail maps domain errors onto HTTP error responses.
func (s *Service) fail(w http.ResponseWriter, r *http.Request, err error, op string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "conversation not found", "")
	case errors.Is(err, convo.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error(), "")
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrInvalidTicket):
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error(), "")
	default:
		s.logger.Error(r.Context(), op+" failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal server error", "")
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, errCode, message, details string) {
	writeJSON(w, code, ErrorBody{Code: errCode, Message: message, Details: details})
}
