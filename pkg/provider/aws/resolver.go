package aws

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/NavarchProject/hookwatch/pkg/provider"
)

// clusterPattern matches the line the ECS-optimized bootstrap writes into
// /etc/ecs/ecs.config.
var clusterPattern = regexp.MustCompile(`ECS_CLUSTER\s?=\s?["']?([A-Za-z0-9_-]+)`)

// ClusterResolver finds the ECS cluster an instance was launched into.
type ClusterResolver struct {
	ec2    EC2API
	static string
}

// NewClusterResolver creates a resolver. A non-empty static name is
// returned for every instance without calling EC2.
func NewClusterResolver(client EC2API, static string) *ClusterResolver {
	return &ClusterResolver{ec2: client, static: static}
}

// Resolve returns the cluster name for instanceID, or
// provider.ErrNotClusterMember when the instance's user data does not name
// one or the instance no longer exists.
func (r *ClusterResolver) Resolve(ctx context.Context, instanceID string) (string, error) {
	if r.static != "" {
		return r.static, nil
	}

	out, err := r.ec2.DescribeInstanceAttribute(ctx, &ec2.DescribeInstanceAttributeInput{
		InstanceId: aws.String(instanceID),
		Attribute:  types.InstanceAttributeNameUserData,
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidInstanceID.NotFound" {
			return "", provider.ErrNotClusterMember
		}
		return "", fmt.Errorf("describe user data: %w", err)
	}
	if out.UserData == nil || aws.ToString(out.UserData.Value) == "" {
		return "", provider.ErrNotClusterMember
	}

	userData, err := base64.StdEncoding.DecodeString(aws.ToString(out.UserData.Value))
	if err != nil {
		return "", fmt.Errorf("decode user data: %w", err)
	}
	m := clusterPattern.FindSubmatch(userData)
	if m == nil {
		return "", provider.ErrNotClusterMember
	}
	return string(m[1]), nil
}
