// Package provider constructs LLM endpoints from suite configuration and
// exposes the hooks the scheduler needs to observe their rate-limit signals.
package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/mykhaliev/redbench/logger"
	"github.com/mykhaliev/redbench/model"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/bedrock"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/googleai/vertex"
	"github.com/tmc/langchaingo/llms/openai"
)

// Provider is one configured endpoint: the model handle, its capture client
// for header observation, and the original configuration.
type Provider struct {
	Config  model.Provider
	LLM     llms.Model
	Capture *CaptureClient
}

// RateLimitKey is the label under which all concurrency and quota decisions
// for this endpoint are pooled.
func (p *Provider) RateLimitKey() string {
	return p.Config.Name
}

// InitProviders builds every configured provider, rendering config templates
// first so tokens and URLs can reference env vars.
func InitProviders(ctx context.Context, providerConfigs []model.Provider, templateCtx map[string]string) (map[string]*Provider, error) {
	if len(providerConfigs) == 0 {
		return nil, fmt.Errorf("no providers to initialize")
	}

	logger.Logger.Info("Initializing providers", "count", len(providerConfigs))
	providers := make(map[string]*Provider)

	for i, p := range providerConfigs {
		p.Name = model.RenderTemplate(p.Name, templateCtx)
		p.Token = model.RenderTemplate(p.Token, templateCtx)
		p.Model = model.RenderTemplate(p.Model, templateCtx)
		p.BaseURL = model.RenderTemplate(p.BaseURL, templateCtx)
		p.Version = model.RenderTemplate(p.Version, templateCtx)
		p.ProjectID = model.RenderTemplate(p.ProjectID, templateCtx)
		p.Location = model.RenderTemplate(p.Location, templateCtx)
		p.CredentialsPath = model.RenderTemplate(p.CredentialsPath, templateCtx)
		p.AuthType = model.RenderTemplate(p.AuthType, templateCtx)

		if p.Name == "" {
			return nil, fmt.Errorf("provider at index %d has empty name", i)
		}
		if _, exists := providers[p.Name]; exists {
			return nil, fmt.Errorf("duplicate provider name: %s", p.Name)
		}

		prov, err := Create(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("failed to create provider '%s': %w", p.Name, err)
		}
		providers[p.Name] = prov
		logger.Logger.Info("Provider initialized", "name", p.Name, "type", p.Type, "model", p.Model)
	}

	return providers, nil
}

// Create builds a single provider. Providers built on an injectable HTTP
// client go through a CaptureClient so the scheduler can read rate-limit
// headers; Google AI, Vertex and Bedrock are built through their SDK clients
// and get no CaptureClient, so no headers are captured for them.
func Create(ctx context.Context, p model.Provider) (*Provider, error) {
	isEntraIDAuth := p.Type == model.ProviderAzure && strings.ToLower(p.AuthType) == "entra_id"
	if p.Type != model.ProviderVertex && !isEntraIDAuth && p.Token == "" {
		return nil, fmt.Errorf("provider token is empty")
	}
	if p.Model == "" {
		return nil, fmt.Errorf("provider model is empty")
	}

	capture := NewCaptureClient(nil)

	var llmModel llms.Model
	var err error

	switch p.Type {
	case model.ProviderGroq:
		opts := []openai.Option{
			openai.WithToken(p.Token),
			openai.WithModel(p.Model),
			openai.WithHTTPClient(capture),
		}
		if p.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(p.BaseURL))
		} else {
			opts = append(opts, openai.WithBaseURL("https://api.groq.com/openai/v1"))
		}
		llmModel, err = openai.New(opts...)

	case model.ProviderGoogle:
		llmModel, err = googleai.New(ctx,
			googleai.WithAPIKey(p.Token),
			googleai.WithDefaultModel(p.Model),
		)
		capture = nil

	case model.ProviderVertex:
		llmModel, err = vertex.New(ctx,
			googleai.WithDefaultModel(p.Model),
			googleai.WithCloudProject(p.ProjectID),
			googleai.WithCloudLocation(p.Location),
			googleai.WithCredentialsFile(p.CredentialsPath),
		)
		capture = nil

	case model.ProviderAnthropic:
		llmModel, err = anthropic.New(
			anthropic.WithModel(p.Model),
			anthropic.WithToken(p.Token),
			anthropic.WithHTTPClient(capture),
		)

	case model.ProviderAmazonAnthropic:
		awsCfg, cfgErr := config.LoadDefaultConfig(ctx,
			config.WithRegion(p.Location),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				p.Token,
				p.Secret,
				"",
			)),
		)
		if cfgErr != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", cfgErr)
		}
		brc := bedrockruntime.NewFromConfig(awsCfg)
		llmModel, err = bedrock.New(
			bedrock.WithClient(brc),
			bedrock.WithModel(p.Model),
		)
		capture = nil

	case model.ProviderOpenAI:
		opts := []openai.Option{
			openai.WithToken(p.Token),
			openai.WithModel(p.Model),
			openai.WithHTTPClient(capture),
		}
		if p.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(p.BaseURL))
		}
		llmModel, err = openai.New(opts...)

	case model.ProviderAzure:
		if p.Version == "" {
			return nil, fmt.Errorf("Azure provider requires version")
		}
		if p.BaseURL == "" {
			return nil, fmt.Errorf("Azure provider requires base URL")
		}

		opts := []openai.Option{
			openai.WithModel(p.Model),
			openai.WithAPIVersion(p.Version),
			openai.WithBaseURL(p.BaseURL),
			openai.WithHTTPClient(capture),
		}

		// "entra_id" uses DefaultAzureCredential; anything else is API key auth.
		if isEntraIDAuth {
			cred, credErr := azidentity.NewDefaultAzureCredential(nil)
			if credErr != nil {
				return nil, fmt.Errorf("failed to create Azure credential: %w", credErr)
			}
			token, tokenErr := cred.GetToken(ctx, policy.TokenRequestOptions{
				Scopes: []string{"https://cognitiveservices.azure.com/.default"},
			})
			if tokenErr != nil {
				return nil, fmt.Errorf("failed to get Azure token: %w", tokenErr)
			}
			opts = append(opts, openai.WithAPIType(openai.APITypeAzureAD))
			opts = append(opts, openai.WithToken(token.Token))
		} else {
			if p.Token == "" {
				return nil, fmt.Errorf("Azure provider requires token when using api_key authentication")
			}
			opts = append(opts, openai.WithAPIType(openai.APITypeAzure))
			opts = append(opts, openai.WithToken(p.Token))
		}

		llmModel, err = openai.New(opts...)

	default:
		return nil, fmt.Errorf("unsupported provider type: %s", p.Type)
	}

	if err != nil {
		return nil, err
	}
	if llmModel == nil {
		return nil, fmt.Errorf("provider created but model is nil")
	}

	// Layer the proactive TPM/RPM throttle under the adaptive scheduler when
	// the quota is known up front.
	if p.RateLimits.TPM > 0 || p.RateLimits.RPM > 0 {
		logger.Logger.Info("Wrapping provider with proactive throttle",
			"name", p.Name, "tpm", p.RateLimits.TPM, "rpm", p.RateLimits.RPM)
		llmModel = NewThrottledLLM(llmModel, p.RateLimits, p.Model)
	}

	return &Provider{Config: p, LLM: llmModel, Capture: capture}, nil
}
