package router

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aibidcomposer/approval-engine/internal/approval/model"
	"github.com/aibidcomposer/approval-engine/internal/approval/service"
	"github.com/aibidcomposer/approval-engine/internal/approval/store"
	"github.com/aibidcomposer/approval-engine/internal/middleware"
)

// Router exposes the approval engine over HTTP.
type Router struct {
	definitions *service.DefinitionService
	instances   *service.InstanceService
	decisions   *service.DecisionProcessor
}

func New(
	definitions *service.DefinitionService,
	instances *service.InstanceService,
	decisions *service.DecisionProcessor,
) *Router {
	return &Router{
		definitions: definitions,
		instances:   instances,
		decisions:   decisions,
	}
}

// Register mounts the API routes on the given group.
func (r *Router) Register(api *gin.RouterGroup) {
	api.POST("/definitions", r.handleCreateDefinition)
	api.GET("/definitions", r.handleListDefinitions)
	api.GET("/definitions/:id", r.handleGetDefinition)
	api.PATCH("/definitions/:id/active", r.handleSetDefinitionActive)

	authed := api.Group("", middleware.RequireActor())
	authed.POST("/instances", r.handleCreateInstance)
	authed.POST("/instances/:id/cancel", r.handleCancelInstance)
	authed.POST("/tasks/:id/decision", r.handleSubmitDecision)

	api.GET("/instances/:id", r.handleGetInstance)
	api.GET("/instances/:id/tasks", r.handleListInstanceTasks)
	api.POST("/instances/:id/retry", r.handleRetryInstance)
	api.GET("/documents/:id/history", r.handleDocumentHistory)
}

func (r *Router) handleCreateDefinition(c *gin.Context) {
	var dto model.CreateDefinitionDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	def, err := r.definitions.CreateDefinition(c.Request.Context(), dto)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, def)
}

func (r *Router) handleListDefinitions(c *gin.Context) {
	organizationID, err := uuid.Parse(c.Query("organizationId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "organizationId query parameter is required"})
		return
	}

	defs, err := r.definitions.ListDefinitions(c.Request.Context(), organizationID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, defs)
}

func (r *Router) handleGetDefinition(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid definition id"})
		return
	}

	def, err := r.definitions.GetDefinition(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

func (r *Router) handleSetDefinitionActive(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid definition id"})
		return
	}

	var body struct {
		Active *bool `json:"active" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := r.definitions.SetActive(c.Request.Context(), id, *body.Active); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (r *Router) handleCreateInstance(c *gin.Context) {
	actor, _ := middleware.GetActor(c)

	var dto model.CreateInstanceDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	inst, err := r.instances.CreateInstance(c.Request.Context(), actor, dto)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, inst)
}

func (r *Router) handleGetInstance(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid instance id"})
		return
	}

	state, err := r.instances.GetInstanceState(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (r *Router) handleListInstanceTasks(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid instance id"})
		return
	}

	tasks, err := r.instances.ListTasks(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]model.TaskResponseDTO, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, model.TaskToResponseDTO(t))
	}
	c.JSON(http.StatusOK, out)
}

func (r *Router) handleCancelInstance(c *gin.Context) {
	actor, _ := middleware.GetActor(c)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid instance id"})
		return
	}

	// The body is optional; cancelling without a reason is allowed.
	var dto model.CancelInstanceDTO
	_ = c.ShouldBindJSON(&dto)

	if err := r.instances.CancelInstance(c.Request.Context(), id, actor, dto.Reason); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (r *Router) handleRetryInstance(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid instance id"})
		return
	}

	inst, err := r.instances.RetryActivation(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (r *Router) handleSubmitDecision(c *gin.Context) {
	actor, _ := middleware.GetActor(c)

	taskID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return
	}

	var dto model.SubmitDecisionDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := r.decisions.ApplyDecision(c.Request.Context(), taskID, actor, service.DecisionRequest{
		Action:       dto.Action,
		Decision:     dto.Decision,
		Comments:     dto.Comments,
		ReassignTo:   dto.ReassignTo,
		ReassignType: dto.ReassignType,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.TaskToResponseDTO(*task))
}

func (r *Router) handleDocumentHistory(c *gin.Context) {
	documentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
		return
	}

	logs, err := r.instances.History(c.Request.Context(), documentID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

// writeError maps service errors to HTTP statuses. Concurrency conflicts are
// 409 so clients refresh instead of retrying, configuration errors are 422.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrTaskAlreadyResolved),
		errors.Is(err, service.ErrInstanceTerminated),
		errors.Is(err, service.ErrDefinitionFrozen):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrNotAssignee):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidAction),
		errors.Is(err, service.ErrDefinitionInactive):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case service.IsConfigurationError(err):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
