package aws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/smithy-go"

	"github.com/NavarchProject/hookwatch/pkg/lifecycle"
	"github.com/NavarchProject/hookwatch/pkg/provider"
	"github.com/NavarchProject/hookwatch/pkg/retry"
)

// Authority implements provider.Authority on EC2 Auto Scaling lifecycle
// hooks.
type Authority struct {
	client AutoScalingAPI
	logger *slog.Logger
}

// NewAuthority creates an Auto Scaling authority. A nil logger uses
// slog.Default().
func NewAuthority(client AutoScalingAPI, logger *slog.Logger) *Authority {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authority{client: client, logger: logger}
}

// Heartbeat records a lifecycle action heartbeat, restarting the hook's
// heartbeat timeout. A closed action yields provider.ErrActionClosed.
func (a *Authority) Heartbeat(ctx context.Context, lc lifecycle.Context) error {
	if lc.HookName == "" {
		return retry.Permanent(errors.New("lifecycle hook name is required"))
	}
	_, err := a.client.RecordLifecycleActionHeartbeat(ctx, &autoscaling.RecordLifecycleActionHeartbeatInput{
		AutoScalingGroupName: aws.String(lc.GroupName),
		LifecycleHookName:    aws.String(lc.HookName),
		LifecycleActionToken: aws.String(lc.HookToken),
		InstanceId:           aws.String(lc.NodeID),
	})
	if isNoActiveAction(err) {
		return retry.Permanent(provider.ErrActionClosed)
	}
	if err != nil {
		return fmt.Errorf("record lifecycle action heartbeat: %w", err)
	}
	return nil
}

// ReportVerdict completes the lifecycle action. Completing an action that
// is already closed succeeds.
func (a *Authority) ReportVerdict(ctx context.Context, lc lifecycle.Context, v lifecycle.Verdict) error {
	if lc.HookName == "" {
		return retry.Permanent(errors.New("lifecycle hook name is required"))
	}
	_, err := a.client.CompleteLifecycleAction(ctx, &autoscaling.CompleteLifecycleActionInput{
		AutoScalingGroupName:  aws.String(lc.GroupName),
		LifecycleHookName:     aws.String(lc.HookName),
		LifecycleActionToken:  aws.String(lc.HookToken),
		LifecycleActionResult: aws.String(string(v)),
		InstanceId:            aws.String(lc.NodeID),
	})
	if isNoActiveAction(err) {
		a.logger.WarnContext(ctx, "lifecycle action already completed",
			slog.String("hook_token", lc.HookToken),
			slog.String("verdict", string(v)),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("complete lifecycle action: %w", err)
	}
	return nil
}

// isNoActiveAction reports whether err is the validation error Auto Scaling
// returns for a token whose action has already been completed or expired.
func isNoActiveAction(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.ErrorCode() == "ValidationError" &&
		strings.Contains(apiErr.ErrorMessage(), "No active Lifecycle Action found")
}
