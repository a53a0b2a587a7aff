package view

import (
	"bytes"
	"html"
	"strings"

	"agent-chat/internal/model"
	"agent-chat/pkg/logger"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

const (
	AvatarHuman     = "👤"
	AvatarAssistant = "🤖"

	AlignLeft  = "left"
	AlignRight = "right"

	VariantHuman     = "user"
	VariantAssistant = "assistant"
)

// Block 一条消息的展示结果，HTML 可以直接插入页面
type Block struct {
	ID      string     `json:"id"`
	Kind    model.Kind `json:"kind"`
	Avatar  string     `json:"avatar"`
	Align   string     `json:"align"`
	Variant string     `json:"variant"`
	HTML    string     `json:"html"`
}

// 不开启 html.WithUnsafe，原始 HTML 不会透传
var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
)

// Render 用户消息按原文转义，助手消息按 Markdown 渲染
func Render(msg model.Message) Block {
	if msg.Kind == model.KindAssistant {
		return Block{
			ID:      msg.ID,
			Kind:    msg.Kind,
			Avatar:  AvatarAssistant,
			Align:   AlignLeft,
			Variant: VariantAssistant,
			HTML:    renderMarkdown(msg.Content),
		}
	}
	return Block{
		ID:      msg.ID,
		Kind:    msg.Kind,
		Avatar:  AvatarHuman,
		Align:   AlignRight,
		Variant: VariantHuman,
		HTML:    "<p>" + html.EscapeString(msg.Content) + "</p>",
	}
}

func RenderAll(messages []model.Message) []Block {
	blocks := make([]Block, 0, len(messages))
	for _, msg := range messages {
		blocks = append(blocks, Render(msg))
	}
	return blocks
}

func renderMarkdown(source string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(source), &buf); err != nil {
		logger.Warnf("Markdown render failed, falling back to text: %v", err)
		return "<p>" + html.EscapeString(source) + "</p>"
	}
	return strings.TrimSpace(buf.String())
}
