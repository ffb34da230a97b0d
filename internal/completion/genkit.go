package completion

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// GenkitConfig selects the provider plugin behind the gateway.
type GenkitConfig struct {
	// Provider is the LLM provider: "google", "anthropic", "openai",
	// "openai_compatible", "openrouter". Empty defaults to "google".
	Provider string

	// Model is the default model when a request names none.
	Model string

	// APIKey overrides the provider's environment key.
	APIKey string

	// OpenAICompatible config.
	OpenAICompatibleProvider string
	OpenAICompatibleBaseURL  string
}

// GenkitGateway implements Gateway on the genkit runtime. Without an
// API key it stays up and returns empty results, which the pipelines
// treat as "nothing came back".
type GenkitGateway struct {
	g        *genkit.Genkit
	provider string
	model    string
	logger   *slog.Logger
	llmOn    bool
}

// NewGenkitGateway initializes genkit with the configured provider
// plugin.
func NewGenkitGateway(ctx context.Context, cfg GenkitConfig, logger *slog.Logger) *GenkitGateway {
	if logger == nil {
		logger = slog.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}

	var g *genkit.Genkit
	llmOn := false

	switch provider {
	case "anthropic":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}))
			llmOn = true
		}

	case "openai":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}))
			llmOn = true
		}

	case "openai_compatible":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: cfg.OpenAICompatibleProvider,
				APIKey:   apiKey,
				BaseURL:  cfg.OpenAICompatibleBaseURL,
			}))
			llmOn = true
		}

	case "openrouter":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openrouter",
				APIKey:   apiKey,
				BaseURL:  "https://openrouter.ai/api/v1",
			}))
			llmOn = true
		}

	default:
		provider = "google"
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
			llmOn = true
		}
	}

	if g == nil {
		g = genkit.Init(ctx)
	}
	if llmOn {
		logger.Info("completion gateway initialized", "provider", provider, "model", cfg.Model)
	} else {
		logger.Warn("completion gateway has no API key; subconscious calls return empty", "provider", provider)
	}

	return &GenkitGateway{
		g:        g,
		provider: provider,
		model:    strings.TrimSpace(cfg.Model),
		logger:   logger,
		llmOn:    llmOn,
	}
}

// Enabled reports whether a provider key was configured.
func (g *GenkitGateway) Enabled() bool { return g.llmOn }

// Complete streams one completion and collects the text. Stream errors
// are classified into Result.ErrorKind together with whatever text
// arrived before the failure.
func (g *GenkitGateway) Complete(ctx context.Context, req Request) (Result, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return Result{}, fmt.Errorf("completion: empty prompt")
	}
	if !g.llmOn {
		return Result{}, nil
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = g.model
	}
	if model == "" {
		return Result{}, fmt.Errorf("completion: no model configured")
	}
	modelName := modelNameForProvider(g.provider, model)

	opts := []ai.GenerateOption{
		ai.WithModelName(modelName),
		ai.WithPrompt(prompt),
		// A map config survives an explicit zero temperature; typed
		// configs drop it via omitempty.
		ai.WithConfig(map[string]any{"temperature": req.Temperature}),
	}

	stream := genkit.GenerateStream(ctx, g.g, opts...)

	var collected strings.Builder
	var doneText string
	for streamVal, err := range stream {
		if err != nil {
			kind := ClassifyError(err)
			g.logger.Warn("completion stream error",
				"model", modelName,
				"error_kind", string(kind),
				"error", err,
			)
			return Result{Text: strings.TrimSpace(collected.String()), ErrorKind: kind}, nil
		}
		if streamVal.Chunk != nil {
			for _, part := range streamVal.Chunk.Content {
				if part.Kind == ai.PartText && part.Text != "" {
					collected.WriteString(part.Text)
				}
			}
		}
		if streamVal.Done && streamVal.Response != nil {
			doneText = streamVal.Response.Text()
		}
	}

	text := collected.String()
	if text == "" {
		text = doneText
	}
	return Result{Text: strings.TrimSpace(text)}, nil
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	default:
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	}
}

func modelNameForProvider(provider, model string) string {
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible", "openrouter":
		return model
	default:
		return "googleai/" + model
	}
}
