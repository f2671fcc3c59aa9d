package bot

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"soulchat/internal/config"
	"soulchat/internal/models"
)

// FallbackReply is persisted whenever the collaborator fails or times
// out, so a conversation never ends on an unanswered user turn.
const FallbackReply = "Sorry, I couldn't process that."

const systemPrompt = "You are SOUL bot, a friendly chat companion inside a messaging app. " +
	"Reply to the user conversationally and keep answers short."

// Replier produces the bot's side of a conversation. Implementations may
// fail or exceed the caller's deadline; callers must substitute
// FallbackReply rather than surface the failure.
type Replier interface {
	Reply(ctx context.Context, prompt string, history []*models.Message) (string, error)
}

// ModelReplier generates replies through an eino chat model.
type ModelReplier struct {
	chatModel model.ToolCallingChatModel
}

// NewModelReplier builds the configured provider's chat model.
func NewModelReplier(cfg *config.Config) (*ModelReplier, error) {
	provider := cfg.Bot.Provider
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	modelName := cfg.Bot.Model
	if modelName == "" {
		modelName = provCfg.Model
	}

	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(context.Background(), &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelName,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		client, cerr := genai.NewClient(context.Background(), &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if cerr != nil {
			return nil, fmt.Errorf("gemini client: %w", cerr)
		}
		chatModel, err = gemini.NewChatModel(context.Background(), &gemini.Config{
			Client: client,
			Model:  modelName,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(context.Background(), &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     modelName,
			BaseURL:   baseURLPtr,
			MaxTokens: 1000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	return &ModelReplier{chatModel: chatModel}, nil
}

// Reply generates the next bot turn from the prior transcript plus the
// latest user prompt.
func (r *ModelReplier) Reply(ctx context.Context, prompt string, history []*models.Message) (string, error) {
	schemaMessages := make([]*schema.Message, 0, len(history)+2)
	schemaMessages = append(schemaMessages, &schema.Message{
		Role:    schema.System,
		Content: systemPrompt,
	})
	for _, msg := range history {
		role := schema.User
		if msg.IsBot {
			role = schema.Assistant
		}
		schemaMessages = append(schemaMessages, &schema.Message{
			Role:    role,
			Content: msg.Body,
		})
	}
	schemaMessages = append(schemaMessages, &schema.Message{
		Role:    schema.User,
		Content: prompt,
	})

	resp, err := r.chatModel.Generate(ctx, schemaMessages)
	if err != nil {
		return "", fmt.Errorf("generate reply: %w", err)
	}
	if resp.Content == "" {
		return "", errors.New("empty reply from model")
	}
	return resp.Content, nil
}
