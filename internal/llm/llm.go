// SPDX-License-Identifier: MPL-2.0

package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	// KindOpenAI talks to the public OpenAI API.
	KindOpenAI Kind = "openai"
	// KindAzure talks to an Azure OpenAI resource.
	KindAzure Kind = "azure"

	// DefaultModel is used when no model or deployment is configured.
	DefaultModel = "gpt-4o"
	// DefaultOpenAIEndpoint is the public OpenAI API base URL.
	DefaultOpenAIEndpoint = "https://api.openai.com/v1"
	// MIMETypeJPEG is the media type of screenshots and uploaded photos.
	MIMETypeJPEG = "image/jpeg"
)

var (
	// ErrNoResponse is returned when the model answers without content.
	ErrNoResponse = errors.New("no LLM response")
	// ErrMissingAPIKey is returned when a client is created without a key.
	ErrMissingAPIKey = errors.New("LLM API key is not set")
	// ErrInvalidKind is returned when a Kind value is not recognized.
	ErrInvalidKind = errors.New("invalid LLM endpoint kind")
	// ErrEmptyRequest is returned when a Request has neither text nor images.
	ErrEmptyRequest = errors.New("empty LLM request")
)

type (
	// Kind selects the flavor of chat-completion endpoint.
	Kind string

	// InvalidKindError is returned when a Kind value is not recognized.
	// It wraps ErrInvalidKind for errors.Is() compatibility.
	InvalidKindError struct {
		Value Kind
	}

	// Image is an inline image sent alongside the prompt.
	Image struct {
		MIMEType string
		Data     []byte
	}

	// Request is a single user turn: prompt text followed by images.
	Request struct {
		Text   string
		Images []Image
	}

	// Usage counts tokens spent by one or more completions.
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	// Client completes a prompt with a chat model.
	Client interface {
		// Complete returns the first choice's content and the tokens it cost.
		Complete(ctx context.Context, req Request) (string, Usage, error)
	}
)

// Error implements the error interface.
func (e *InvalidKindError) Error() string {
	return fmt.Sprintf("invalid LLM endpoint kind %q (valid: openai, azure)", e.Value)
}

// Unwrap returns ErrInvalidKind for errors.Is() compatibility.
func (e *InvalidKindError) Unwrap() error { return ErrInvalidKind }

// String returns the string representation of the Kind.
func (k Kind) String() string { return string(k) }

// IsValid returns whether the Kind is one of the defined kinds.
func (k Kind) IsValid() (bool, []error) {
	switch k {
	case KindOpenAI, KindAzure:
		return true, nil
	default:
		return false, []error{&InvalidKindError{Value: k}}
	}
}

// JPEG wraps raw JPEG bytes as an Image.
func JPEG(data []byte) Image {
	return Image{MIMEType: MIMETypeJPEG, Data: data}
}

// DataURL returns the image as a base64 data URL.
func (i Image) DataURL() string {
	mime := i.MIMEType
	if mime == "" {
		mime = MIMETypeJPEG
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(i.Data)
}

// Validate returns ErrEmptyRequest when there is nothing to send.
func (r Request) Validate() error {
	if r.Text == "" && len(r.Images) == 0 {
		return ErrEmptyRequest
	}
	for i, img := range r.Images {
		if len(img.Data) == 0 {
			return fmt.Errorf("%w: image %d has no data", ErrEmptyRequest, i)
		}
	}
	return nil
}

// Add returns the sum of two usages.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}
