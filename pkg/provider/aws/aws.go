// Package aws implements the provider collaborators on Amazon Web Services:
// ECS container instances as the cluster, EC2 Auto Scaling lifecycle hooks
// as the authority, and SQS delayed messages as the continuation channel.
package aws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/NavarchProject/hookwatch/pkg/provider"
)

const defaultTimeout = 30 * time.Second

// ECSAPI is the subset of the ECS client used by Cluster.
type ECSAPI interface {
	ListContainerInstances(ctx context.Context, params *ecs.ListContainerInstancesInput, optFns ...func(*ecs.Options)) (*ecs.ListContainerInstancesOutput, error)
	DescribeContainerInstances(ctx context.Context, params *ecs.DescribeContainerInstancesInput, optFns ...func(*ecs.Options)) (*ecs.DescribeContainerInstancesOutput, error)
	UpdateContainerInstancesState(ctx context.Context, params *ecs.UpdateContainerInstancesStateInput, optFns ...func(*ecs.Options)) (*ecs.UpdateContainerInstancesStateOutput, error)
	ListServices(ctx context.Context, params *ecs.ListServicesInput, optFns ...func(*ecs.Options)) (*ecs.ListServicesOutput, error)
	DescribeServices(ctx context.Context, params *ecs.DescribeServicesInput, optFns ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error)
	ListTasks(ctx context.Context, params *ecs.ListTasksInput, optFns ...func(*ecs.Options)) (*ecs.ListTasksOutput, error)
	DescribeTasks(ctx context.Context, params *ecs.DescribeTasksInput, optFns ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error)
}

// EC2API is the subset of the EC2 client used to resolve cluster names.
type EC2API interface {
	DescribeInstanceAttribute(ctx context.Context, params *ec2.DescribeInstanceAttributeInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceAttributeOutput, error)
}

// AutoScalingAPI is the subset of the Auto Scaling client used by Authority.
type AutoScalingAPI interface {
	RecordLifecycleActionHeartbeat(ctx context.Context, params *autoscaling.RecordLifecycleActionHeartbeatInput, optFns ...func(*autoscaling.Options)) (*autoscaling.RecordLifecycleActionHeartbeatOutput, error)
	CompleteLifecycleAction(ctx context.Context, params *autoscaling.CompleteLifecycleActionInput, optFns ...func(*autoscaling.Options)) (*autoscaling.CompleteLifecycleActionOutput, error)
}

// SQSAPI is the subset of the SQS client used by Emitter and Queue.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Config holds configuration for the AWS provider.
type Config struct {
	Region string // Optional; the SDK's default chain applies when empty

	// Cluster pins the ECS cluster. When empty it is read from each
	// instance's user data.
	Cluster string

	// ContinuationQueueURL receives delayed continuation messages.
	ContinuationQueueURL string
}

// Services holds the service clients for one activation.
type Services struct {
	ECS         ECSAPI
	EC2         EC2API
	AutoScaling AutoScalingAPI
	SQS         SQSAPI
}

// Factory loads AWS configuration and builds fresh clients for every
// activation.
type Factory struct {
	cfg    Config
	logger *slog.Logger
}

// NewFactory creates a Factory. A nil logger uses slog.Default().
func NewFactory(cfg Config, logger *slog.Logger) (*Factory, error) {
	if cfg.ContinuationQueueURL == "" {
		return nil, fmt.Errorf("continuation queue URL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{cfg: cfg, logger: logger}, nil
}

// Acquire implements provider.Factory. Each call gets its own HTTP client,
// whose idle connections are closed when the clients are released.
func (f *Factory) Acquire(ctx context.Context) (*provider.Clients, error) {
	httpClient := &http.Client{
		Transport: http.DefaultTransport.(*http.Transport).Clone(),
		Timeout:   defaultTimeout,
	}

	opts := []func(*config.LoadOptions) error{config.WithHTTPClient(httpClient)}
	if f.cfg.Region != "" {
		opts = append(opts, config.WithRegion(f.cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clients := NewClients(f.cfg, ServicesFromConfig(awsCfg), f.logger)
	clients.OnClose(httpClient.CloseIdleConnections)
	return clients, nil
}

// ServicesFromConfig creates service clients from an SDK configuration.
func ServicesFromConfig(cfg aws.Config) Services {
	return Services{
		ECS:         ecs.NewFromConfig(cfg),
		EC2:         ec2.NewFromConfig(cfg),
		AutoScaling: autoscaling.NewFromConfig(cfg),
		SQS:         sqs.NewFromConfig(cfg),
	}
}

// NewClients wires provider collaborators on top of svc.
func NewClients(cfg Config, svc Services, logger *slog.Logger) *provider.Clients {
	if logger == nil {
		logger = slog.Default()
	}
	resolver := NewClusterResolver(svc.EC2, cfg.Cluster)
	return &provider.Clients{
		Cluster:   NewCluster(svc.ECS, resolver, logger.With(slog.String("component", "ecs"))),
		Authority: NewAuthority(svc.AutoScaling, logger.With(slog.String("component", "autoscaling"))),
		Emitter:   NewEmitter(svc.SQS, cfg.ContinuationQueueURL),
	}
}
