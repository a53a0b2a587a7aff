package handler

import (
	"net/http"

	"agent-chat/internal/model"
	"agent-chat/internal/service"
	"agent-chat/pkg/logger"

	"github.com/gin-gonic/gin"
)

// AgentHandler 内置 agent 接口，与远程 agent 的协议一致
type AgentHandler struct {
	responder *service.Responder
}

func NewAgentHandler(responder *service.Responder) *AgentHandler {
	return &AgentHandler{responder: responder}
}

func (h *AgentHandler) Register(group *gin.RouterGroup) {
	group.POST("/agent", h.Handle)
}

func (h *AgentHandler) Handle(c *gin.Context) {
	var req model.AgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.AgentResponse{Success: false, Error: err.Error()})
		return
	}

	if err := h.responder.Accept(req); err != nil {
		logger.WithFields(logger.Fields{"request_id": req.RequestID}).Warnf("Agent request rejected: %v", err)
		c.JSON(http.StatusBadRequest, model.AgentResponse{Success: false, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, model.AgentResponse{Success: true})
}
