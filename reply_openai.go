package echochat

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIReplies answers with a chat completion from an OpenAI-compatible
// endpoint, using the thread as the conversation.
type OpenAIReplies struct {
	client       *openai.Client
	model        string
	systemPrompt string
}

// NewOpenAIReplies creates the source. An empty baseURL uses the OpenAI API.
func NewOpenAIReplies(baseURL, apiKey, model, systemPrompt string) *OpenAIReplies {
	clientConfig := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAIReplies{
		client:       openai.NewClientWithConfig(clientConfig),
		model:        model,
		systemPrompt: systemPrompt,
	}
}

func (o *OpenAIReplies) Replies(ctx context.Context, req ReplyRequest) ([]Message, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+1)
	if o.systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: o.systemPrompt,
		})
	}
	for _, m := range req.History {
		role := openai.ChatMessageRoleAssistant
		if m.SenderIsLocalUser {
			role = openai.ChatMessageRoleUser
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return nil, nil
	}
	return []Message{{
		ID:             "assistant-" + newLocalID(),
		ConversationID: req.Sent.ConversationID,
		SenderID:       assistantSenderID,
		Content:        content,
		CreatedAt:      time.Now(),
	}}, nil
}
