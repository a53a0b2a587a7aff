package handler

import (
	"errors"
	"net/http"
	"time"

	"agent-chat/internal/model"
	"agent-chat/internal/service"
	"agent-chat/internal/utils"
	"agent-chat/internal/view"
	"agent-chat/pkg/logger"

	"github.com/gin-gonic/gin"
)

// 事件推送的心跳间隔，防止连接因空闲被代理断开
var heartbeatInterval = 30 * time.Second

type ChatHandler struct {
	chat     *service.ChatService
	nav      *service.Navigator
	composer *view.Composer
}

func NewChatHandler(chat *service.ChatService, nav *service.Navigator) *ChatHandler {
	return &ChatHandler{
		chat:     chat,
		nav:      nav,
		composer: view.NewComposer(chat.Busy, chat.Submit),
	}
}

// chatView 聊天界面状态，消息附带渲染结果
type chatView struct {
	model.ChatSnapshot
	Blocks    []view.Block `json:"blocks"`
	Draft     string       `json:"draft"`
	CanSubmit bool         `json:"can_submit"`
}

func (h *ChatHandler) view() chatView {
	snap := h.chat.Snapshot()
	return chatView{
		ChatSnapshot: snap,
		Blocks:       view.RenderAll(snap.Messages),
		Draft:        h.composer.Text(),
		CanSubmit:    h.composer.CanSubmit(),
	}
}

func (h *ChatHandler) Register(group *gin.RouterGroup) {
	chat := group.Group("/chat", h.requireChat)
	{
		chat.GET("", h.GetChat)
		chat.POST("/messages", h.SendMessage)
		chat.POST("/keys", h.HandleKey)
		chat.POST("/new", h.NewChat)
		chat.POST("/session/:session_id", h.SwitchSession)
		chat.POST("/sidebar", h.ToggleSidebar)
		chat.GET("/events", h.StreamEvents)
	}
}

// requireChat 未登录时拒绝聊天接口
func (h *ChatHandler) requireChat(c *gin.Context) {
	if h.nav.Current() != model.ScreenChat {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "sign in required"})
		return
	}
	c.Next()
}

func (h *ChatHandler) GetChat(c *gin.Context) {
	c.JSON(http.StatusOK, h.view())
}

func (h *ChatHandler) SendMessage(c *gin.Context) {
	var req model.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.composer.SetText(req.Content)
	h.submit(c)
}

func (h *ChatHandler) HandleKey(c *gin.Context) {
	var req model.KeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	switch req.Key {
	case "enter":
		if !req.Shift {
			h.submit(c)
			return
		}
		h.composer.HandleKey(view.Key{Enter: true, Shift: true})
	case "text":
		for _, r := range req.Text {
			h.composer.HandleKey(view.Key{Rune: r})
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown key: " + req.Key})
		return
	}
	c.JSON(http.StatusOK, h.view())
}

// submit 发送在后台完成，结果通过事件流推送
func (h *ChatHandler) submit(c *gin.Context) {
	if !h.composer.CanSubmit() {
		status := http.StatusBadRequest
		if h.chat.Busy() {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": "nothing to send", "busy": h.chat.Busy()})
		return
	}

	if _, err := h.composer.Submit(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, service.ErrBusy) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, h.view())
}

func (h *ChatHandler) NewChat(c *gin.Context) {
	sessionID, err := h.chat.NewChat(c.Request.Context())
	if err != nil {
		logger.Warnf("New chat %s entered with errors: %v", sessionID, err)
	}
	c.JSON(http.StatusOK, h.view())
}

func (h *ChatHandler) SwitchSession(c *gin.Context) {
	sessionID := c.Param("session_id")
	if err := h.chat.SwitchSession(c.Request.Context(), sessionID); err != nil {
		if errors.Is(err, model.ErrInvalidMessage) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		// 加载失败已经通过通知展示，界面仍然切换
		logger.Warnf("Session %s entered with errors: %v", sessionID, err)
	}
	c.JSON(http.StatusOK, h.view())
}

func (h *ChatHandler) ToggleSidebar(c *gin.Context) {
	visible := h.chat.ToggleSidebar()
	c.JSON(http.StatusOK, gin.H{"show_sidebar": visible})
}

// StreamEvents 先推送完整状态，之后推送每一次状态变化
func (h *ChatHandler) StreamEvents(c *gin.Context) {
	sse := utils.NewSSEWriter(c.Writer)
	ctx := c.Request.Context()

	events := make(chan service.Event, 256)
	off := h.chat.Events().On(func(ev service.Event) {
		select {
		case events <- ev:
		default:
			logger.Warnf("Event stream lagging, dropped %s event", ev.Type)
		}
	})
	defer off()

	if err := sse.WriteJSON("state", h.view()); err != nil {
		logger.Warnf("Failed to write initial state: %v", err)
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case ev := <-events:
			if err := sse.WriteJSON(string(ev.Type), eventPayload(ev)); err != nil {
				logger.Warnf("Failed to write %s event: %v", ev.Type, err)
				return
			}
		case <-heartbeat.C:
			if err := sse.WriteJSON("heartbeat", gin.H{"timestamp": time.Now().Unix()}); err != nil {
				logger.Debugf("Heartbeat failed, closing stream: %v", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// eventPayload 消息列表变化时带上渲染结果
func eventPayload(ev service.Event) any {
	if msgs, ok := ev.Data.([]model.Message); ok && ev.Type == service.EventMessages {
		return gin.H{"messages": msgs, "blocks": view.RenderAll(msgs)}
	}
	return ev.Data
}
