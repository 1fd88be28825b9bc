// SPDX-License-Identifier: MPL-2.0

package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/ai/azopenai"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
)

// chatCompleter is the slice of *azopenai.Client the client needs.
type chatCompleter interface {
	GetChatCompletions(ctx context.Context, body azopenai.ChatCompletionsOptions, options *azopenai.GetChatCompletionsOptions) (azopenai.GetChatCompletionsResponse, error)
}

// AzOpenAIClient completes prompts through the azopenai SDK, against
// either OpenAI or an Azure OpenAI deployment.
type AzOpenAIClient struct {
	client chatCompleter
	model  string

	mu    sync.Mutex
	usage Usage
}

// NewAzOpenAIClient creates a client for the given endpoint kind. An empty
// endpoint means the public OpenAI API; an empty model means DefaultModel.
// For Azure the model is the deployment name.
func NewAzOpenAIClient(kind Kind, endpoint, apiKey, model string) (*AzOpenAIClient, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if model == "" {
		model = DefaultModel
	}

	cred := azcore.NewKeyCredential(apiKey)
	var (
		client *azopenai.Client
		err    error
	)
	switch kind {
	case KindOpenAI, "":
		if endpoint == "" {
			endpoint = DefaultOpenAIEndpoint
		}
		client, err = azopenai.NewClientForOpenAI(endpoint, cred, nil)
	case KindAzure:
		client, err = azopenai.NewClientWithKeyCredential(endpoint, cred, nil)
	default:
		return nil, &InvalidKindError{Value: kind}
	}
	if err != nil {
		return nil, fmt.Errorf("create %s client: %w", kind, err)
	}

	return &AzOpenAIClient{client: client, model: model}, nil
}

// Model returns the model or deployment name requests are sent to.
func (c *AzOpenAIClient) Model() string {
	return c.model
}

// Complete sends req as a single user message.
func (c *AzOpenAIClient) Complete(ctx context.Context, req Request) (string, Usage, error) {
	if err := req.Validate(); err != nil {
		return "", Usage{}, err
	}

	resp, err := c.client.GetChatCompletions(ctx, azopenai.ChatCompletionsOptions{
		DeploymentName: to.Ptr(c.model),
		Messages: []azopenai.ChatRequestMessageClassification{
			&azopenai.ChatRequestUserMessage{Content: userContent(req)},
		},
	}, nil)
	if err != nil {
		return "", Usage{}, fmt.Errorf("chat completion: %w", err)
	}

	usage := usageFrom(resp.Usage)
	c.mu.Lock()
	c.usage = c.usage.Add(usage)
	c.mu.Unlock()

	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil || resp.Choices[0].Message.Content == nil {
		return "", usage, ErrNoResponse
	}
	return *resp.Choices[0].Message.Content, usage, nil
}

// TotalUsage returns the tokens spent by every completion so far.
func (c *AzOpenAIClient) TotalUsage() Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// userContent sends plain text as a string and anything with images as
// content parts, text first.
func userContent(req Request) *azopenai.ChatRequestUserMessageContent {
	if len(req.Images) == 0 {
		return azopenai.NewChatRequestUserMessageContent(req.Text)
	}

	parts := make([]azopenai.ChatCompletionRequestMessageContentPartClassification, 0, len(req.Images)+1)
	if req.Text != "" {
		parts = append(parts, &azopenai.ChatCompletionRequestMessageContentPartText{
			Text: to.Ptr(req.Text),
		})
	}
	for _, img := range req.Images {
		parts = append(parts, &azopenai.ChatCompletionRequestMessageContentPartImage{
			ImageURL: &azopenai.ChatCompletionRequestMessageContentPartImageURL{
				URL: to.Ptr(img.DataURL()),
			},
		})
	}
	return azopenai.NewChatRequestUserMessageContent(parts)
}

func usageFrom(u *azopenai.CompletionsUsage) Usage {
	if u == nil {
		return Usage{}
	}
	return Usage{
		PromptTokens:     int(deref(u.PromptTokens)),
		CompletionTokens: int(deref(u.CompletionTokens)),
		TotalTokens:      int(deref(u.TotalTokens)),
	}
}

func deref(p *int32) int32 {
	if p == nil {
		return 0
	}
	return *p
}
