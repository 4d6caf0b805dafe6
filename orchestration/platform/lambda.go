package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
)

// lambdaAPI is the slice of the Lambda client the driver uses. Narrowed for
// tests.
type lambdaAPI interface {
	Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
	CreateFunction(ctx context.Context, params *lambda.CreateFunctionInput, optFns ...func(*lambda.Options)) (*lambda.CreateFunctionOutput, error)
}

// LambdaDriver runs components as synchronous AWS Lambda invocations.
//
// The target function receives {"component", "execution_id", "inputs"} and
// must return the component result as its JSON response. Cold-start blips
// surface as an empty payload with a 2xx status; those are retried a few
// times before failing.
//
// Mandatory config: function_name, region. Recognized: image_uri and role
// (used by Register), timeout, memory (MiB).
type LambdaDriver struct {
	functionName string
	region       string
	imageURI     string
	role         string
	timeout      int // seconds
	memory       int // MiB

	client lambdaAPI
}

// Lambda invocations that land on a cold sandbox occasionally return an
// empty payload; retried in place before involving the retry policy.
const lambdaEmptyPayloadRetries = 5

// NewLambdaDriver creates a driver using the default AWS credential chain.
func NewLambdaDriver(config map[string]any) (*LambdaDriver, error) {
	region := configString(config, "region", "")
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, &ExecutionError{Platform: TagLambda, Msg: "loading aws configuration", Cause: err}
	}

	return &LambdaDriver{
		functionName: configString(config, "function_name", ""),
		region:       region,
		imageURI:     configString(config, "image_uri", ""),
		role:         configString(config, "role", ""),
		timeout:      configInt(config, "timeout", 900),
		memory:       configInt(config, "memory", 512),
		client:       lambda.NewFromConfig(cfg),
	}, nil
}

// Tag returns "lambda".
func (d *LambdaDriver) Tag() string { return TagLambda }

// SupportedLanguages returns the runtimes a deployed function may use.
func (d *LambdaDriver) SupportedLanguages() []string { return []string{"python"} }

// Validate requires a function name and a region.
func (d *LambdaDriver) Validate(config map[string]any) error {
	return requireKeys(TagLambda, config, "function_name", "region")
}

// Execute invokes the function synchronously and decodes its JSON response.
func (d *LambdaDriver) Execute(ctx context.Context, fn FunctionDescriptor, inputs map[string]any, execCtx Context) (any, error) {
	payload, err := json.Marshal(map[string]any{
		"component":    execCtx.ComponentName,
		"execution_id": execCtx.ExecutionID,
		"inputs":       inputs,
	})
	if err != nil {
		return nil, &ExecutionError{Platform: TagLambda, Msg: "encoding invocation payload", Cause: err}
	}

	if execCtx.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, execCtx.Timeout)
		defer cancel()
	}

	var out *lambda.InvokeOutput
	for attempt := 0; attempt <= lambdaEmptyPayloadRetries; attempt++ {
		out, err = d.client.Invoke(ctx, &lambda.InvokeInput{
			FunctionName:   aws.String(d.functionName),
			InvocationType: lambdatypes.InvocationTypeRequestResponse,
			Payload:        payload,
		})
		if err != nil {
			return nil, &ExecutionError{Platform: TagLambda, Msg: "invoking " + d.functionName, Cause: err, Transient: true}
		}
		if len(out.Payload) > 0 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}

	if out.FunctionError != nil {
		return nil, &ExecutionError{
			Platform: TagLambda,
			Msg:      fmt.Sprintf("function error %s: %s", aws.ToString(out.FunctionError), truncate(string(out.Payload), 500)),
		}
	}
	if len(out.Payload) == 0 {
		return nil, &ExecutionError{Platform: TagLambda, Msg: "empty response payload", Transient: true}
	}

	var result any
	if err := json.Unmarshal(out.Payload, &result); err != nil {
		return nil, &ExecutionError{Platform: TagLambda, Msg: "decoding response payload", Cause: err}
	}
	return result, nil
}

// Register creates the Lambda function from the configured container image.
// An already-existing function is not an error.
func (d *LambdaDriver) Register(ctx context.Context) error {
	if d.imageURI == "" || d.role == "" {
		return &ConfigurationError{Platform: TagLambda, Msg: "image_uri and role are required to register a function"}
	}

	_, err := d.client.CreateFunction(ctx, &lambda.CreateFunctionInput{
		FunctionName: aws.String(d.functionName),
		PackageType:  lambdatypes.PackageTypeImage,
		Code:         &lambdatypes.FunctionCode{ImageUri: aws.String(d.imageURI)},
		Role:         aws.String(d.role),
		Timeout:      aws.Int32(int32(d.timeout)),
		MemorySize:   aws.Int32(int32(d.memory)),
	})
	var conflict *lambdatypes.ResourceConflictException
	if errors.As(err, &conflict) {
		return nil
	}
	if err != nil {
		return &ExecutionError{Platform: TagLambda, Msg: "registering function " + d.functionName, Cause: err}
	}
	return nil
}
