package backends

import (
	"context"
	"math"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/haasonsaas/relay/internal/convert"
	"github.com/haasonsaas/relay/pkg/models"
)

const defaultBedrockModel = "anthropic.claude-3-sonnet-20240229-v1:0"

func init() {
	RegisterFactory("bedrock", func(opts Options) (Backend, error) {
		return NewBedrockBackend(opts)
	})
}

// BedrockBackend streams chat completions from AWS Bedrock through the
// ConverseStream API. Credentials come from the default AWS chain unless an
// explicit key pair is configured.
type BedrockBackend struct {
	client *bedrockruntime.Client
	name   string
	model  string
	region string
}

// NewBedrockBackend builds a Bedrock backend from registry options. Extra
// keys access_key_id, secret_access_key and session_token select static
// credentials.
func NewBedrockBackend(opts Options) (*BedrockBackend, error) {
	name := opts.Name
	if name == "" {
		name = "bedrock"
	}
	model := opts.Model
	if model == "" {
		model = defaultBedrockModel
	}
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}

	accessKey := stringExtra(opts.Extra, "access_key_id")
	secretKey := stringExtra(opts.Extra, "secret_access_key")

	var awsCfg aws.Config
	var err error
	if accessKey != "" && secretKey != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				accessKey,
				secretKey,
				stringExtra(opts.Extra, "session_token"),
			)),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(region),
		)
	}
	if err != nil {
		return nil, NewBackendError(name, model, err)
	}

	return &BedrockBackend{
		client: bedrockruntime.NewFromConfig(awsCfg),
		name:   name,
		model:  model,
		region: region,
	}, nil
}

func (b *BedrockBackend) Name() string              { return b.name }
func (b *BedrockBackend) SupportsNativeTools() bool { return true }
func (b *BedrockBackend) DefaultModel() string      { return b.model }

// Health validates the client. Bedrock bills per Converse call, so no live
// request is made here.
func (b *BedrockBackend) Health(ctx context.Context) HealthStatus {
	if err := ctx.Err(); err != nil {
		return HealthStatus{OK: false, Detail: err.Error()}
	}
	if b.client == nil {
		return HealthStatus{OK: false, Detail: "client not configured"}
	}
	return HealthStatus{OK: true, Detail: "configured region=" + b.region}
}

// StreamChat opens a ConverseStream and returns its event channel.
func (b *BedrockBackend) StreamChat(ctx context.Context, messages []models.Message, opts models.RequestOptions) (<-chan models.StreamEvent, error) {
	model := opts.Model
	if model == "" {
		model = b.model
	}

	systemBlocks, converted, err := convert.ToBedrock(messages)
	if err != nil {
		return nil, NewBackendError(b.name, model, err)
	}

	converseReq := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: converted,
	}
	if len(systemBlocks) > 0 {
		converseReq.System = systemBlocks
	}
	if opts.MaxTokens > 0 {
		maxTokens := min(opts.MaxTokens, math.MaxInt32)
		converseReq.InferenceConfig = &types.InferenceConfiguration{
			// #nosec G115 -- bounded by min above
			MaxTokens: aws.Int32(int32(maxTokens)),
		}
	}
	if len(opts.Tools) > 0 {
		converseReq.ToolConfig = convert.ToBedrockTools(opts.Tools)
	}

	stream, err := b.client.ConverseStream(ctx, converseReq)
	if err != nil {
		return nil, b.wrapError(err, model)
	}

	events := make(chan models.StreamEvent)
	go b.processStream(ctx, stream, events, model)
	return events, nil
}

func (b *BedrockBackend) processStream(ctx context.Context, stream *bedrockruntime.ConverseStreamOutput, events chan<- models.StreamEvent, model string) {
	defer close(events)

	eventStream := stream.GetStream()
	defer eventStream.Close()

	var currentCall *models.ToolCall
	var currentInput strings.Builder
	sawToolCall := false

	eventChan := eventStream.Events()
	for {
		select {
		case <-ctx.Done():
			events <- errorEventFrom(ctx.Err())
			return
		case event, ok := <-eventChan:
			if !ok {
				if err := eventStream.Err(); err != nil {
					events <- errorEventFrom(b.wrapError(err, model))
					return
				}
				stop := models.StopEndTurn
				if sawToolCall {
					stop = models.StopToolUse
				}
				events <- models.DoneEvent(stop, nil)
				return
			}

			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					currentCall = &models.ToolCall{
						ID:       aws.ToString(toolUse.Value.ToolUseId),
						Name:     aws.ToString(toolUse.Value.Name),
						Provider: b.name,
					}
					currentInput.Reset()
				}

			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if delta.Value != "" {
						events <- models.DeltaEvent(delta.Value)
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input != nil {
						currentInput.WriteString(*delta.Value.Input)
					}
				}

			case *types.ConverseStreamOutputMemberContentBlockStop:
				if currentCall != nil && currentCall.ID != "" {
					currentCall.Arguments = parseToolInput(currentInput.String())
					events <- models.ToolCallEvent(*currentCall)
					sawToolCall = true
					currentCall = nil
					currentInput.Reset()
				}

			case *types.ConverseStreamOutputMemberMessageStop:
				stop := models.StopEndTurn
				if sawToolCall {
					stop = models.StopToolUse
				}
				events <- models.DoneEvent(stop, nil)
				return
			}
		}
	}
}

func (b *BedrockBackend) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsBackendError(err); ok {
		return err
	}

	backendErr := NewBackendError(b.name, model, err)
	msg := err.Error()
	switch {
	case strings.Contains(msg, "ThrottlingException"),
		strings.Contains(msg, "TooManyRequestsException"):
		backendErr.Reason = ReasonRateLimit
	case strings.Contains(msg, "ServiceUnavailableException"),
		strings.Contains(msg, "ModelErrorException"):
		backendErr.Reason = ReasonServerError
	case strings.Contains(msg, "AccessDeniedException"),
		strings.Contains(msg, "UnrecognizedClientException"):
		backendErr.Reason = ReasonAuth
	case strings.Contains(msg, "ResourceNotFoundException"):
		backendErr.Reason = ReasonModelUnavailable
	case strings.Contains(msg, "ValidationException"):
		backendErr.Reason = ReasonInvalidRequest
	}
	return backendErr
}
