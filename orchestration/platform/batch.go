package platform

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	batchtypes "github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
)

// batchAPI and logsAPI narrow the AWS clients for tests.
type batchAPI interface {
	SubmitJob(ctx context.Context, params *batch.SubmitJobInput, optFns ...func(*batch.Options)) (*batch.SubmitJobOutput, error)
	DescribeJobs(ctx context.Context, params *batch.DescribeJobsInput, optFns ...func(*batch.Options)) (*batch.DescribeJobsOutput, error)
	RegisterJobDefinition(ctx context.Context, params *batch.RegisterJobDefinitionInput, optFns ...func(*batch.Options)) (*batch.RegisterJobDefinitionOutput, error)
}

type logsAPI interface {
	GetLogEvents(ctx context.Context, params *cloudwatchlogs.GetLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.GetLogEventsOutput, error)
}

// BatchDriver runs components as AWS Batch jobs.
//
// The script is delivered through a command override ("python -c <script>")
// against a pre-registered job definition. When wait is enabled (the
// default) the driver polls DescribeJobs and reads the result back from the
// job's CloudWatch log stream.
//
// Mandatory config: job_queue, job_definition, region. Recognized: wait,
// timeout, vcpus, memory (MiB), image and role (used by Register).
type BatchDriver struct {
	jobQueue      string
	jobDefinition string
	region        string
	wait          bool
	timeout       int // seconds
	vcpus         int
	memory        int // MiB
	image         string
	role          string

	client batchAPI
	logs   logsAPI
}

const batchLogGroup = "/aws/batch/job"

// NewBatchDriver creates a driver using the default AWS credential chain.
func NewBatchDriver(config map[string]any) (*BatchDriver, error) {
	region := configString(config, "region", "")
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, &ExecutionError{Platform: TagBatch, Msg: "loading aws configuration", Cause: err}
	}

	return &BatchDriver{
		jobQueue:      configString(config, "job_queue", ""),
		jobDefinition: configString(config, "job_definition", ""),
		region:        region,
		wait:          configBool(config, "wait", true),
		timeout:       configInt(config, "timeout", 0),
		vcpus:         configInt(config, "vcpus", 0),
		memory:        configInt(config, "memory", 0),
		image:         configString(config, "image", ""),
		role:          configString(config, "role", ""),
		client:        batch.NewFromConfig(cfg),
		logs:          cloudwatchlogs.NewFromConfig(cfg),
	}, nil
}

// Tag returns "batch".
func (d *BatchDriver) Tag() string { return TagBatch }

// SupportedLanguages returns the script languages runnable in a batch job.
func (d *BatchDriver) SupportedLanguages() []string { return []string{"python"} }

// Validate requires the queue, definition, and region.
func (d *BatchDriver) Validate(config map[string]any) error {
	return requireKeys(TagBatch, config, "job_queue", "job_definition", "region")
}

// Execute submits the job and, when waiting, returns the parsed result from
// the job's log stream. Fire-and-forget submissions return the job id.
func (d *BatchDriver) Execute(ctx context.Context, fn FunctionDescriptor, inputs map[string]any, execCtx Context) (any, error) {
	script, err := buildScript(fn, inputs)
	if err != nil {
		return nil, err
	}

	if execCtx.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, execCtx.Timeout)
		defer cancel()
	}

	overrides := &batchtypes.ContainerOverrides{
		Command: []string{"python", "-c", script},
		Environment: []batchtypes.KeyValuePair{
			{Name: aws.String("EXECUTION_ID"), Value: aws.String(execCtx.ExecutionID)},
			{Name: aws.String("COMPONENT_NAME"), Value: aws.String(execCtx.ComponentName)},
		},
	}
	if d.vcpus > 0 {
		overrides.ResourceRequirements = append(overrides.ResourceRequirements, batchtypes.ResourceRequirement{
			Type: batchtypes.ResourceTypeVcpu, Value: aws.String(fmt.Sprintf("%d", d.vcpus)),
		})
	}
	if d.memory > 0 {
		overrides.ResourceRequirements = append(overrides.ResourceRequirements, batchtypes.ResourceRequirement{
			Type: batchtypes.ResourceTypeMemory, Value: aws.String(fmt.Sprintf("%d", d.memory)),
		})
	}

	jobName := batchJobName(execCtx)
	submit := &batch.SubmitJobInput{
		JobName:            aws.String(jobName),
		JobQueue:           aws.String(d.jobQueue),
		JobDefinition:      aws.String(d.jobDefinition),
		ContainerOverrides: overrides,
	}
	if d.timeout > 0 {
		submit.Timeout = &batchtypes.JobTimeout{AttemptDurationSeconds: aws.Int32(int32(d.timeout))}
	}

	out, err := d.client.SubmitJob(ctx, submit)
	if err != nil {
		return nil, &ExecutionError{Platform: TagBatch, Msg: "submitting job", Cause: err, Transient: true}
	}
	jobID := aws.ToString(out.JobId)

	if !d.wait {
		return map[string]any{"job_id": jobID}, nil
	}

	logStream, err := d.waitForJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	stdout, err := d.logOutput(ctx, logStream)
	if err != nil {
		return nil, err
	}
	return parseScriptOutput(TagBatch, stdout)
}

// waitForJob polls until the job reaches a terminal state and returns the
// container's log stream name.
func (d *BatchDriver) waitForJob(ctx context.Context, jobID string) (string, error) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		out, err := d.client.DescribeJobs(ctx, &batch.DescribeJobsInput{Jobs: []string{jobID}})
		if err != nil {
			return "", &ExecutionError{Platform: TagBatch, Msg: "describing job " + jobID, Cause: err, Transient: true}
		}
		if len(out.Jobs) == 0 {
			return "", &ExecutionError{Platform: TagBatch, Msg: "job " + jobID + " not found"}
		}

		job := out.Jobs[0]
		switch job.Status {
		case batchtypes.JobStatusSucceeded:
			if job.Container == nil || job.Container.LogStreamName == nil {
				return "", &ExecutionError{Platform: TagBatch, Msg: "job " + jobID + " has no log stream"}
			}
			return aws.ToString(job.Container.LogStreamName), nil
		case batchtypes.JobStatusFailed:
			reason := aws.ToString(job.StatusReason)
			return "", &ExecutionError{Platform: TagBatch, Msg: fmt.Sprintf("job %s failed: %s", jobID, reason)}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// logOutput reads the job's stdout back from CloudWatch.
func (d *BatchDriver) logOutput(ctx context.Context, logStream string) (string, error) {
	out, err := d.logs.GetLogEvents(ctx, &cloudwatchlogs.GetLogEventsInput{
		LogGroupName:  aws.String(batchLogGroup),
		LogStreamName: aws.String(logStream),
		StartFromHead: aws.Bool(true),
	})
	if err != nil {
		return "", &ExecutionError{Platform: TagBatch, Msg: "reading log stream " + logStream, Cause: err, Transient: true}
	}

	var b strings.Builder
	for _, event := range out.Events {
		b.WriteString(aws.ToString(event.Message))
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// Register creates a job definition from the configured image and role.
func (d *BatchDriver) Register(ctx context.Context) error {
	if d.image == "" || d.role == "" {
		return &ConfigurationError{Platform: TagBatch, Msg: "image and role are required to register a job definition"}
	}

	vcpus := d.vcpus
	if vcpus == 0 {
		vcpus = 1
	}
	memory := d.memory
	if memory == 0 {
		memory = 1024
	}

	_, err := d.client.RegisterJobDefinition(ctx, &batch.RegisterJobDefinitionInput{
		JobDefinitionName: aws.String(d.jobDefinition),
		Type:              batchtypes.JobDefinitionTypeContainer,
		ContainerProperties: &batchtypes.ContainerProperties{
			Image:            aws.String(d.image),
			JobRoleArn:       aws.String(d.role),
			ExecutionRoleArn: aws.String(d.role),
			ResourceRequirements: []batchtypes.ResourceRequirement{
				{Type: batchtypes.ResourceTypeVcpu, Value: aws.String(fmt.Sprintf("%d", vcpus))},
				{Type: batchtypes.ResourceTypeMemory, Value: aws.String(fmt.Sprintf("%d", memory))},
			},
		},
	})
	if err != nil {
		return &ExecutionError{Platform: TagBatch, Msg: "registering job definition " + d.jobDefinition, Cause: err}
	}
	return nil
}

// batchJobName derives a Batch-safe job name from the invocation.
func batchJobName(execCtx Context) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '-'
	}, execCtx.ComponentName)
	if name == "" {
		name = "component"
	}
	suffix := execCtx.ExecutionID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	full := name + "-" + suffix
	if len(full) > 128 {
		full = full[:128]
	}
	return full
}
