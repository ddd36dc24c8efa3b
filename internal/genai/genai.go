// Package genai provides speech-to-text and text structuring using the OpenAI API.
package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

var (
	// ErrNoChoicesReturned is returned when a completion has no choices.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrEmptyTranscript is returned when the audio contained no recognisable speech.
	ErrEmptyTranscript = errors.New("empty transcript")
	// ErrEmptyAudio is returned when Transcribe is called without data.
	ErrEmptyAudio = errors.New("empty audio")
)

const maxHighlights = 5

const reflectionPrompt = `You turn a spoken weekly reflection into a short journal entry.
Reply with a JSON object with exactly these keys:
"summary": two sentences at most, in the speaker's own voice,
"mood": one or two words,
"highlights": up to five short bullet strings.
Do not invent details that were not said.`

// Reflection is the structured form of a weekly voice note.
type Reflection struct {
	Summary    string   `json:"summary"`
	Mood       string   `json:"mood"`
	Highlights []string `json:"highlights"`
}

// chatService defines minimal interface for chat completions.
type chatService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// transcriptionService defines minimal interface for audio transcription.
type transcriptionService interface {
	New(ctx context.Context, params openai.AudioTranscriptionNewParams, opts ...option.RequestOption) (*openai.Transcription, error)
}

// Client wraps the OpenAI chat and transcription services.
type Client struct {
	chat       chatService
	transcribe transcriptionService
	model      string
	audioModel string
}

// Opts holds client configuration.
type Opts struct {
	APIKey     string
	BaseURL    string
	Model      string
	AudioModel string
}

// Option configures a Client.
type Option func(*Opts)

// WithAPIKey sets the API key. Without it OPENAI_API_KEY is used.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the chat model used to structure reflections.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithAudioModel sets the transcription model.
func WithAudioModel(model string) Option {
	return func(o *Opts) { o.AudioModel = model }
}

// NewClient initializes a new GenAI client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Model: openai.ChatModelGPT4oMini, AudioModel: openai.AudioModelWhisper1}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)
	return &Client{
		chat:       &cli.Chat.Completions,
		transcribe: &cli.Audio.Transcriptions,
		model:      cfg.Model,
		audioModel: cfg.AudioModel,
	}, nil
}

// GeneratePrompt generates a response based on the provided system and user prompts.
func (c *Client) GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

// Transcribe converts recorded speech to text. The filename's extension tells the
// service the audio format.
func (c *Client) Transcribe(ctx context.Context, filename string, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", ErrEmptyAudio
	}
	resp, err := c.transcribe.New(ctx, openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(audio), filename, ""),
		Model: c.audioModel,
	})
	if err != nil {
		return "", fmt.Errorf("transcription failed: %w", err)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", ErrEmptyTranscript
	}
	return text, nil
}

// StructureReflection condenses a transcript into a summary, a mood and highlights.
func (c *Client) StructureReflection(ctx context.Context, transcript string) (Reflection, error) {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return Reflection{}, ErrEmptyTranscript
	}
	resp, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(reflectionPrompt),
			openai.UserMessage(transcript),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return Reflection{}, err
	}
	if len(resp.Choices) == 0 {
		return Reflection{}, ErrNoChoicesReturned
	}
	return ParseReflection(resp.Choices[0].Message.Content)
}

// ParseReflection decodes a model reply, tolerating a fenced code block around the JSON.
func ParseReflection(content string) (Reflection, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var r Reflection
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &r); err != nil {
		return Reflection{}, fmt.Errorf("invalid reflection JSON: %w", err)
	}
	r.Summary = strings.TrimSpace(r.Summary)
	r.Mood = strings.TrimSpace(r.Mood)
	highlights := r.Highlights[:0]
	for _, h := range r.Highlights {
		if h = strings.TrimSpace(h); h != "" {
			highlights = append(highlights, h)
		}
	}
	if len(highlights) > maxHighlights {
		highlights = highlights[:maxHighlights]
	}
	r.Highlights = highlights
	return r, nil
}
