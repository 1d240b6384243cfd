package aws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/NavarchProject/hookwatch/pkg/lifecycle"
	"github.com/NavarchProject/hookwatch/pkg/provider"
)

const (
	servicePageSize = 10  // DescribeServices accepts at most 10 services
	taskPageSize    = 100 // DescribeTasks accepts at most 100 tasks
)

var steadyState = regexp.MustCompile(`service .* has reached a steady state\.`)

// Cluster implements provider.Cluster on ECS container instances.
type Cluster struct {
	ecs      ECSAPI
	resolver *ClusterResolver
	logger   *slog.Logger
}

// NewCluster creates an ECS cluster adapter. A nil logger uses
// slog.Default().
func NewCluster(client ECSAPI, resolver *ClusterResolver, logger *slog.Logger) *Cluster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cluster{ecs: client, resolver: resolver, logger: logger}
}

// Name returns the provider name.
func (c *Cluster) Name() string {
	return "ecs"
}

// DescribeNode maps the EC2 instance in lc to its container instance.
func (c *Cluster) DescribeNode(ctx context.Context, lc lifecycle.Context) (*provider.Node, error) {
	cluster, ci, err := c.locate(ctx, lc.NodeID)
	if err != nil {
		return nil, err
	}
	return &provider.Node{
		ID:             aws.ToString(ci.ContainerInstanceArn),
		InstanceID:     aws.ToString(ci.Ec2InstanceId),
		Cluster:        cluster,
		Status:         aws.ToString(ci.Status),
		AgentConnected: ci.AgentConnected,
		RunningTasks:   int(ci.RunningTasksCount),
		PendingTasks:   int(ci.PendingTasksCount),
	}, nil
}

// MarkDraining sets the container instance to DRAINING if it is ACTIVE.
// Instances in any other state are left alone.
func (c *Cluster) MarkDraining(ctx context.Context, lc lifecycle.Context) error {
	cluster, ci, err := c.locate(ctx, lc.NodeID)
	if err != nil {
		return err
	}
	if aws.ToString(ci.Status) != lifecycle.StatusActive {
		return nil
	}

	arn := aws.ToString(ci.ContainerInstanceArn)
	out, err := c.ecs.UpdateContainerInstancesState(ctx, &ecs.UpdateContainerInstancesStateInput{
		Cluster:            aws.String(cluster),
		ContainerInstances: []string{arn},
		Status:             types.ContainerInstanceStatusDraining,
	})
	if err != nil {
		return fmt.Errorf("update container instance state: %w", err)
	}
	if len(out.Failures) > 0 {
		return fmt.Errorf("update container instance state: %s: %s", aws.ToString(out.Failures[0].Arn), aws.ToString(out.Failures[0].Reason))
	}

	c.logger.InfoContext(ctx, "container instance set to DRAINING",
		slog.String("cluster", cluster),
		slog.String("container_instance", arn),
	)
	return nil
}

// Stability reports whether every service in the node's cluster has
// reached a steady state and every task is at its desired status.
func (c *Cluster) Stability(ctx context.Context, lc lifecycle.Context) (*provider.Stability, error) {
	cluster, err := c.resolver.Resolve(ctx, lc.NodeID)
	if err != nil {
		return nil, err
	}

	var unstable []string

	services := ecs.NewListServicesPaginator(c.ecs, &ecs.ListServicesInput{
		Cluster:    aws.String(cluster),
		MaxResults: aws.Int32(servicePageSize),
	})
	for services.HasMorePages() {
		page, err := services.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list services: %w", err)
		}
		if len(page.ServiceArns) == 0 {
			continue
		}
		out, err := c.ecs.DescribeServices(ctx, &ecs.DescribeServicesInput{
			Cluster:  aws.String(cluster),
			Services: page.ServiceArns,
		})
		if err != nil {
			return nil, fmt.Errorf("describe services: %w", err)
		}
		for _, svc := range out.Services {
			if len(svc.Events) == 0 || !steadyState.MatchString(aws.ToString(svc.Events[0].Message)) {
				unstable = append(unstable, "service/"+aws.ToString(svc.ServiceName))
			}
		}
	}

	tasks := ecs.NewListTasksPaginator(c.ecs, &ecs.ListTasksInput{
		Cluster:    aws.String(cluster),
		MaxResults: aws.Int32(taskPageSize),
	})
	for tasks.HasMorePages() {
		page, err := tasks.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list tasks: %w", err)
		}
		if len(page.TaskArns) == 0 {
			continue
		}
		out, err := c.ecs.DescribeTasks(ctx, &ecs.DescribeTasksInput{
			Cluster: aws.String(cluster),
			Tasks:   page.TaskArns,
		})
		if err != nil {
			return nil, fmt.Errorf("describe tasks: %w", err)
		}
		for _, task := range out.Tasks {
			if aws.ToString(task.LastStatus) != aws.ToString(task.DesiredStatus) {
				unstable = append(unstable, "task/"+aws.ToString(task.TaskArn))
			}
		}
	}

	return &provider.Stability{Stable: len(unstable) == 0, Unstable: unstable}, nil
}

// locate resolves the cluster and container instance for an EC2 instance.
func (c *Cluster) locate(ctx context.Context, instanceID string) (string, *types.ContainerInstance, error) {
	cluster, err := c.resolver.Resolve(ctx, instanceID)
	if err != nil {
		return "", nil, err
	}

	list, err := c.ecs.ListContainerInstances(ctx, &ecs.ListContainerInstancesInput{
		Cluster: aws.String(cluster),
		Filter:  aws.String("ec2InstanceId == " + instanceID),
	})
	if err != nil {
		var notFound *types.ClusterNotFoundException
		if errors.As(err, &notFound) {
			return "", nil, provider.ErrNotClusterMember
		}
		return "", nil, fmt.Errorf("list container instances: %w", err)
	}
	if len(list.ContainerInstanceArns) == 0 {
		return "", nil, provider.ErrNotClusterMember
	}

	out, err := c.ecs.DescribeContainerInstances(ctx, &ecs.DescribeContainerInstancesInput{
		Cluster:            aws.String(cluster),
		ContainerInstances: list.ContainerInstanceArns[:1],
	})
	if err != nil {
		return "", nil, fmt.Errorf("describe container instances: %w", err)
	}
	if len(out.ContainerInstances) == 0 {
		return "", nil, provider.ErrNotClusterMember
	}
	return cluster, &out.ContainerInstances[0], nil
}
