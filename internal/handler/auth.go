package handler

import (
	"errors"
	"net/http"

	"agent-chat/internal/model"
	"agent-chat/internal/service"

	"github.com/gin-gonic/gin"
)

type AuthHandler struct {
	auth *service.AuthService
}

func NewAuthHandler(auth *service.AuthService) *AuthHandler {
	return &AuthHandler{auth: auth}
}

func (h *AuthHandler) Register(group *gin.RouterGroup) {
	group.GET("/state", h.GetState)

	auth := group.Group("/auth")
	{
		auth.POST("/signup", h.SignUp)
		auth.POST("/signin", h.SignIn)
		auth.POST("/signout", h.SignOut)
	}
}

func (h *AuthHandler) GetState(c *gin.Context) {
	c.JSON(http.StatusOK, h.auth.Snapshot())
}

func (h *AuthHandler) SignUp(c *gin.Context) {
	if !h.bind(c) {
		return
	}
	if err := h.auth.Register(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state":   h.auth.Snapshot(),
		"message": "Check your email for the confirmation link",
	})
}

func (h *AuthHandler) SignIn(c *gin.Context) {
	if !h.bind(c) {
		return
	}
	if err := h.auth.Authenticate(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": h.auth.Snapshot()})
}

func (h *AuthHandler) SignOut(c *gin.Context) {
	if err := h.auth.SignOut(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": h.auth.Snapshot()})
}

func (h *AuthHandler) bind(c *gin.Context) bool {
	var req model.AuthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	h.auth.SetCredentials(req.Email, req.Password)
	return true
}

func (h *AuthHandler) fail(c *gin.Context, err error) {
	status := http.StatusUnauthorized
	if errors.Is(err, service.ErrBusy) {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error(), "state": h.auth.Snapshot()})
}
