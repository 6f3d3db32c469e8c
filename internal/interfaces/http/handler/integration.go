package handler

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	integrationapp "github.com/retention/backend/internal/application/integration"
	"github.com/retention/backend/internal/domain/integration"
	"github.com/retention/backend/internal/interfaces/http/dto"
	"github.com/retention/backend/internal/interfaces/http/middleware"
)

// defaultRunsLimit and maxRunsLimit bound GET /integrations/runs
const (
	defaultRunsLimit = 50
	maxRunsLimit     = 200
)

// IntegrationService is the application surface the handler drives
type IntegrationService interface {
	ListPlatforms() []integrationapp.PlatformInfo
	ListIntegrations(ctx context.Context, tenantID uuid.UUID) ([]*integration.Integration, error)
	GetIntegration(ctx context.Context, id uuid.UUID) (*integration.Integration, error)
	CreateIntegration(ctx context.Context, in integrationapp.CreateIntegrationInput) (*integration.Integration, error)
	DeleteIntegration(ctx context.Context, id uuid.UUID) error
	TestConnection(ctx context.Context, id uuid.UUID) (integrationapp.ConnectionTest, error)
	SyncOne(ctx context.Context, id uuid.UUID, full bool) (*integration.SyncResult, error)
	SyncAll(ctx context.Context, scope integrationapp.SyncAllScope, tenantID uuid.UUID) ([]integrationapp.SyncOutcome, error)
	ScheduleAutomaticSync(ctx context.Context, id uuid.UUID, interval time.Duration) error
	DisableAutomaticSync(ctx context.Context, id uuid.UUID) error
	RecentRuns(limit int, tenantID uuid.UUID) []integrationapp.RunRecord
	NextSyncAt(id uuid.UUID) *time.Time
}

// IntegrationHandler exposes integrations and their sync runs. Every
// request is scoped to the caller's tenant; an integration of another
// tenant is reported as not found.
type IntegrationHandler struct {
	BaseHandler
	service IntegrationService
}

// NewIntegrationHandler creates a new IntegrationHandler
func NewIntegrationHandler(service IntegrationService) *IntegrationHandler {
	return &IntegrationHandler{service: service}
}

// PlatformResponse is one supported platform
type PlatformResponse struct {
	Type        integration.PlatformType     `json:"type"`
	DisplayName string                       `json:"display_name"`
	Category    integration.PlatformCategory `json:"category"`
}

// ConnectionTestResponse is the outcome of a credential check
type ConnectionTestResponse struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// SyncAllResponse summarises a bulk sync
type SyncAllResponse struct {
	Scope     integrationapp.SyncAllScope          `json:"scope"`
	Triggered int                                  `json:"triggered"`
	Failed    int                                  `json:"failed"`
	Outcomes  []integrationapp.SyncOutcomeResponse `json:"outcomes"`
}

// ListPlatforms returns the platforms that have a registered connector
func (h *IntegrationHandler) ListPlatforms(c *gin.Context) {
	platforms := h.service.ListPlatforms()
	out := make([]PlatformResponse, len(platforms))
	for n, p := range platforms {
		out[n] = PlatformResponse{Type: p.Type, DisplayName: p.DisplayName, Category: p.Category}
	}
	h.Success(c, out)
}

// List returns the caller's integrations
func (h *IntegrationHandler) List(c *gin.Context) {
	tenantID, ok := h.tenant(c)
	if !ok {
		return
	}

	items, err := h.service.ListIntegrations(c.Request.Context(), tenantID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	out := make([]integrationapp.IntegrationResponse, len(items))
	for n, i := range items {
		out[n] = integrationapp.ToIntegrationResponse(i, h.service.NextSyncAt(i.ID))
	}
	h.Success(c, out)
}

// Create registers a new integration for the caller's tenant
func (h *IntegrationHandler) Create(c *gin.Context) {
	tenantID, ok := h.tenant(c)
	if !ok {
		return
	}
	userID, err := getUserID(c)
	if err != nil {
		h.Unauthorized(c, "Authentication required")
		return
	}

	var req integrationapp.CreateIntegrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	created, err := h.service.CreateIntegration(c.Request.Context(), integrationapp.CreateIntegrationInput{
		TenantID:      tenantID,
		UserID:        userID,
		Platform:      integration.PlatformType(strings.ToUpper(strings.TrimSpace(req.Platform))),
		Name:          req.Name,
		Configuration: req.Configuration,
		Credentials:   integration.Credentials(req.Credentials),
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Created(c, integrationapp.ToIntegrationResponse(created, nil))
}

// Get returns one integration
func (h *IntegrationHandler) Get(c *gin.Context) {
	i, ok := h.owned(c)
	if !ok {
		return
	}
	h.Success(c, integrationapp.ToIntegrationResponse(i, h.service.NextSyncAt(i.ID)))
}

// Delete unschedules and removes an integration
func (h *IntegrationHandler) Delete(c *gin.Context) {
	i, ok := h.owned(c)
	if !ok {
		return
	}
	if err := h.service.DeleteIntegration(c.Request.Context(), i.ID); err != nil {
		h.HandleError(c, err)
		return
	}
	h.NoContent(c)
}

// TestConnection checks the stored credentials against the platform
func (h *IntegrationHandler) TestConnection(c *gin.Context) {
	i, ok := h.owned(c)
	if !ok {
		return
	}
	outcome, err := h.service.TestConnection(c.Request.Context(), i.ID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, ConnectionTestResponse{Connected: outcome.Connected, Error: outcome.Error})
}

// Sync runs one integration now. ?full=true ignores the last successful
// sync and fetches everything. A run that finished with record failures
// is still a 200; the result and the integration status carry them.
func (h *IntegrationHandler) Sync(c *gin.Context) {
	i, ok := h.owned(c)
	if !ok {
		return
	}
	full, err := parseBoolQuery(c, "full")
	if err != nil {
		h.BadRequest(c, "full must be a boolean")
		return
	}

	result, err := h.service.SyncOne(c.Request.Context(), i.ID, full)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, integrationapp.ToSyncResultResponse(result))
}

// SyncAll runs the caller's due (default) or enabled integrations
func (h *IntegrationHandler) SyncAll(c *gin.Context) {
	tenantID, ok := h.tenant(c)
	if !ok {
		return
	}
	scope, err := integrationapp.ParseSyncAllScope(c.Query("scope"))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	outcomes, err := h.service.SyncAll(c.Request.Context(), scope, tenantID)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	resp := SyncAllResponse{
		Scope:     scope,
		Triggered: len(outcomes),
		Outcomes:  integrationapp.ToSyncOutcomeResponses(outcomes),
	}
	for _, o := range outcomes {
		if o.Err != nil || (o.Result != nil && !o.Result.Success) {
			resp.Failed++
		}
	}
	h.Success(c, resp)
}

// Schedule enables or changes automatic sync
func (h *IntegrationHandler) Schedule(c *gin.Context) {
	i, ok := h.owned(c)
	if !ok {
		return
	}
	var req integrationapp.ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	if err := h.service.ScheduleAutomaticSync(c.Request.Context(), i.ID, req.Interval()); err != nil {
		h.HandleError(c, err)
		return
	}
	h.respondWithIntegration(c, i.ID)
}

// Unschedule disables automatic sync
func (h *IntegrationHandler) Unschedule(c *gin.Context) {
	i, ok := h.owned(c)
	if !ok {
		return
	}
	if err := h.service.DisableAutomaticSync(c.Request.Context(), i.ID); err != nil {
		h.HandleError(c, err)
		return
	}
	h.respondWithIntegration(c, i.ID)
}

// RecentRuns returns the caller's most recent sync runs, newest first
func (h *IntegrationHandler) RecentRuns(c *gin.Context) {
	tenantID, ok := h.tenant(c)
	if !ok {
		return
	}
	limit := defaultRunsLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.BadRequest(c, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunsLimit)
	}
	h.Success(c, integrationapp.ToRunRecordResponses(h.service.RecentRuns(limit, tenantID)))
}

func (h *IntegrationHandler) respondWithIntegration(c *gin.Context, id uuid.UUID) {
	updated, err := h.service.GetIntegration(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, integrationapp.ToIntegrationResponse(updated, h.service.NextSyncAt(id)))
}

// tenant resolves the caller's tenant or answers 401
func (h *IntegrationHandler) tenant(c *gin.Context) (uuid.UUID, bool) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.Unauthorized(c, "Authentication required")
		return uuid.Nil, false
	}
	return tenantID, true
}

// owned loads the :id integration and checks it belongs to the caller
func (h *IntegrationHandler) owned(c *gin.Context) (*integration.Integration, bool) {
	tenantID, ok := h.tenant(c)
	if !ok {
		return nil, false
	}

	var uri dto.IDRequest
	if err := c.ShouldBindUri(&uri); err != nil {
		h.BadRequest(c, "Invalid integration ID")
		return nil, false
	}
	id := uuid.MustParse(uri.ID)

	i, err := h.service.GetIntegration(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return nil, false
	}
	if i.TenantID != tenantID {
		h.HandleError(c, integration.ErrIntegrationNotFound)
		return nil, false
	}
	return i, true
}

func parseBoolQuery(c *gin.Context, key string) (bool, error) {
	raw := c.Query(key)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errors.New(key + ": not a boolean")
	}
	return v, nil
}
