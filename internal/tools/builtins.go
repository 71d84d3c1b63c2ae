package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const (
	ToolLeaveVoiceChannel = "leave_voice_channel"
	ToolWebSearch         = "web_search"
	ToolGenerateImage     = "generate_image"
)

// Notifier posts out-of-band text, typically to the session's text channel.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// ChatCompleter is the part of *openai.Client used by web_search.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// ImageCreator is the part of *openai.Client used by generate_image.
type ImageCreator interface {
	CreateImage(ctx context.Context, req openai.ImageRequest) (openai.ImageResponse, error)
}

// Builtins configures the stock tool set. Nil collaborators leave the
// matching tool unregistered.
type Builtins struct {
	Leave       func()
	Notifier    Notifier
	Chat        ChatCompleter
	Images      ImageCreator
	SearchModel string
	ImageModel  string
	ImageSize   string
	Logger      *zap.Logger
}

// RegisterBuiltins adds the stock tools to reg.
func RegisterBuiltins(reg *Registry, b Builtins) error {
	if b.Logger == nil {
		b.Logger = zap.NewNop()
	}
	if b.Leave != nil {
		if err := reg.Register(ToolLeaveVoiceChannel, HandlerFunc(b.leave)); err != nil {
			return err
		}
	}
	if b.Chat != nil {
		if err := reg.Register(ToolWebSearch, HandlerFunc(b.webSearch)); err != nil {
			return err
		}
	}
	if b.Images != nil {
		if err := reg.Register(ToolGenerateImage, HandlerFunc(b.generateImage)); err != nil {
			return err
		}
	}
	return nil
}

func (b Builtins) leave(_ context.Context, inv Invocation) error {
	inv.Respond(inv.CorrelationID, "Leaving the voice channel.", false)
	b.Leave()
	return nil
}

func (b Builtins) webSearch(ctx context.Context, inv Invocation) error {
	query := inv.String("query")
	if query == "" {
		inv.Respond(inv.CorrelationID, "Error: 'query' is required.", true)
		return nil
	}
	b.notify(ctx, fmt.Sprintf("Searching the web for: %s", query))

	model := b.SearchModel
	if model == "" {
		model = "gpt-4o-search-preview"
	}
	resp, err := b.Chat.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "Answer briefly. The answer will be spoken aloud."},
			{Role: openai.ChatMessageRoleUser, Content: query},
		},
	})
	if err != nil {
		return fmt.Errorf("web search: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return errors.New("web search: empty answer")
	}
	inv.Respond(inv.CorrelationID, strings.TrimSpace(resp.Choices[0].Message.Content), false)
	return nil
}

func (b Builtins) generateImage(ctx context.Context, inv Invocation) error {
	prompt := inv.String("prompt")
	if prompt == "" {
		inv.Respond(inv.CorrelationID, "Error: 'prompt' is required.", true)
		return nil
	}
	b.notify(ctx, fmt.Sprintf("Generating image: %s", prompt))

	model := b.ImageModel
	if model == "" {
		model = openai.CreateImageModelDallE3
	}
	size := b.ImageSize
	if size == "" {
		size = openai.CreateImageSize1024x1024
	}
	resp, err := b.Images.CreateImage(ctx, openai.ImageRequest{
		Prompt:         prompt,
		Model:          model,
		Size:           size,
		N:              1,
		ResponseFormat: openai.CreateImageResponseFormatURL,
	})
	if err != nil {
		return fmt.Errorf("generate image: %w", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return errors.New("generate image: no image returned")
	}
	b.notify(ctx, resp.Data[0].URL)
	inv.Respond(inv.CorrelationID, "The image was generated and posted to the text channel.", false)
	return nil
}

func (b Builtins) notify(ctx context.Context, text string) {
	if b.Notifier == nil {
		return
	}
	if err := b.Notifier.Notify(ctx, text); err != nil {
		b.Logger.Warn("tool notification failed", zap.Error(err))
	}
}
