package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"podcomm/internal/config"
	"podcomm/internal/membership"
	mw "podcomm/internal/middleware"
	"podcomm/internal/store"
	"podcomm/pkg/logger"
	"podcomm/pkg/response"
)

// ChannelsHandler exposes channel lifecycle and membership over REST. All
// authorization lives in the membership manager; the handler only translates
// HTTP to manager calls and errors back to statuses.
type ChannelsHandler struct {
	Store    store.Store
	Members  *membership.Manager
	Config   *config.Config
	Logger   *logger.Logger
	Validate *validator.Validate
}

type CreateChannelRequest struct {
	Name        string `json:"name" validate:"required,min=1,max=64"`
	Description string `json:"description" validate:"max=512"`
	Visibility  string `json:"visibility" validate:"omitempty,oneof=public private"`
	MaxMembers  int    `json:"max_members" validate:"omitempty,min=1,max=10000"`
}

// UpdateChannelRequest carries partial settings changes; absent fields are
// left alone.
type UpdateChannelRequest struct {
	Name        *string `json:"name" validate:"omitempty,min=1,max=64"`
	Description *string `json:"description" validate:"omitempty,max=512"`
	Visibility  *string `json:"visibility" validate:"omitempty,oneof=public private"`
	MaxMembers  *int    `json:"max_members" validate:"omitempty,min=1,max=10000"`
}

type ChangeRoleRequest struct {
	Role string `json:"role" validate:"required,oneof=admin member"`
}

type InviteRequest struct {
	UserID string `json:"user_id" validate:"required,uuid"`
}

func NewChannelsHandler(st store.Store, members *membership.Manager, cfg *config.Config, log *logger.Logger, validate *validator.Validate) *ChannelsHandler {
	return &ChannelsHandler{
		Store:    st,
		Members:  members,
		Config:   cfg,
		Logger:   log,
		Validate: validate,
	}
}

func (h *ChannelsHandler) HandleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req CreateChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid JSON")
		return
	}
	if err := h.Validate.Struct(&req); err != nil {
		response.ValidationError(w, err)
		return
	}

	spec := store.ChannelSpec{
		Name:        req.Name,
		Description: req.Description,
		Visibility:  store.Visibility(req.Visibility),
		MaxMembers:  req.MaxMembers,
	}
	if spec.Visibility == "" {
		spec.Visibility = store.VisibilityPublic
	}
	if spec.MaxMembers == 0 {
		spec.MaxMembers = h.Config.Gateway.DefaultMaxMembers
	}

	channel, err := h.Members.CreateChannel(r.Context(), mw.GetUserID(r.Context()), spec)
	if err != nil {
		h.storeError(w, err)
		return
	}

	response.Created(w, channel)
}

func (h *ChannelsHandler) HandleGetChannel(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	userID := mw.GetUserID(r.Context())

	view, err := h.Store.GetChannel(r.Context(), channelID, userID)
	if err != nil {
		h.storeError(w, err)
		return
	}

	// Private channels are invisible to everyone outside them.
	if view.Visibility == store.VisibilityPrivate && view.Role == nil {
		response.NotFound(w, "Channel not found")
		return
	}

	response.JSON(w, view)
}

// HandleUpdateChannel changes channel settings. Admin-or-above; shrinking
// the member cap below the current member count is rejected.
func (h *ChannelsHandler) HandleUpdateChannel(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	actorID := mw.GetUserID(r.Context())

	var req UpdateChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid JSON")
		return
	}
	if err := h.Validate.Struct(&req); err != nil {
		response.ValidationError(w, err)
		return
	}

	update := store.ChannelUpdate{
		Name:        req.Name,
		Description: req.Description,
		MaxMembers:  req.MaxMembers,
	}
	if req.Visibility != nil {
		v := store.Visibility(*req.Visibility)
		update.Visibility = &v
	}

	channel, err := h.Members.UpdateChannel(r.Context(), actorID, channelID, update)
	if err != nil {
		h.storeError(w, err)
		return
	}
	response.JSON(w, channel)
}

// HandleListChannels returns the channels the caller belongs to
func (h *ChannelsHandler) HandleListChannels(w http.ResponseWriter, r *http.Request) {
	views, err := h.Store.ListChannelsForUser(r.Context(), mw.GetUserID(r.Context()))
	if err != nil {
		h.storeError(w, err)
		return
	}
	response.JSON(w, map[string]interface{}{"channels": views})
}

// HandleListPublicChannels is the channel directory
func (h *ChannelsHandler) HandleListPublicChannels(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	views, err := h.Store.ListPublicChannels(r.Context(), limit)
	if err != nil {
		h.storeError(w, err)
		return
	}
	response.JSON(w, map[string]interface{}{"channels": views})
}

func (h *ChannelsHandler) HandleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	userID := mw.GetUserID(r.Context())

	if err := h.Members.DeleteChannel(r.Context(), userID, channelID); err != nil {
		h.storeError(w, err)
		return
	}
	response.NoContent(w)
}

func (h *ChannelsHandler) HandleJoinChannel(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	userID := mw.GetUserID(r.Context())

	member, err := h.Members.Join(r.Context(), channelID, userID)
	if err != nil {
		h.storeError(w, err)
		return
	}
	response.Created(w, member)
}

func (h *ChannelsHandler) HandleLeaveChannel(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	userID := mw.GetUserID(r.Context())

	if err := h.Members.Leave(r.Context(), channelID, userID); err != nil {
		h.storeError(w, err)
		return
	}
	response.NoContent(w)
}

func (h *ChannelsHandler) HandleListMembers(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	userID := mw.GetUserID(r.Context())

	ok, err := h.Members.CheckPermission(r.Context(), channelID, userID, store.RoleMember)
	if err != nil {
		h.storeError(w, err)
		return
	}
	if !ok {
		response.Forbidden(w, "Not a member of this channel")
		return
	}

	members, err := h.Store.ListMembers(r.Context(), channelID)
	if err != nil {
		h.storeError(w, err)
		return
	}
	response.JSON(w, map[string]interface{}{"members": members})
}

func (h *ChannelsHandler) HandleKickMember(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	targetID := chi.URLParam(r, "userID")
	actorID := mw.GetUserID(r.Context())

	if err := h.Members.Kick(r.Context(), actorID, channelID, targetID); err != nil {
		h.storeError(w, err)
		return
	}
	response.NoContent(w)
}

func (h *ChannelsHandler) HandleChangeRole(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	targetID := chi.URLParam(r, "userID")
	actorID := mw.GetUserID(r.Context())

	var req ChangeRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid JSON")
		return
	}
	if err := h.Validate.Struct(&req); err != nil {
		response.ValidationError(w, err)
		return
	}

	member, err := h.Members.ChangeRole(r.Context(), actorID, channelID, targetID, store.Role(req.Role))
	if err != nil {
		h.storeError(w, err)
		return
	}
	response.JSON(w, member)
}

func (h *ChannelsHandler) HandleInvite(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	actorID := mw.GetUserID(r.Context())

	var req InviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid JSON")
		return
	}
	if err := h.Validate.Struct(&req); err != nil {
		response.ValidationError(w, err)
		return
	}

	invite, err := h.Members.Invite(r.Context(), actorID, channelID, req.UserID)
	if err != nil {
		h.storeError(w, err)
		return
	}
	response.Created(w, invite)
}

// HandleListMessages pages through channel history, newest first. The before
// parameter is a message id cursor.
func (h *ChannelsHandler) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	userID := mw.GetUserID(r.Context())

	ok, err := h.Members.CheckPermission(r.Context(), channelID, userID, store.RoleMember)
	if err != nil {
		h.storeError(w, err)
		return
	}
	if !ok {
		response.Forbidden(w, "Not a member of this channel")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	before := r.URL.Query().Get("before")

	messages, err := h.Store.ListMessages(r.Context(), channelID, limit, before)
	if err != nil {
		h.storeError(w, err)
		return
	}
	response.JSON(w, map[string]interface{}{"messages": messages})
}

func (h *ChannelsHandler) storeError(w http.ResponseWriter, err error) {
	h.Logger.With("error", err).Debug("Channel request failed")
	response.StoreError(w, err)
}
