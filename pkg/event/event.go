// Package event decodes inbound lifecycle notifications into a
// lifecycle.Context and encodes the continuation message that re-arms the
// next activation.
//
// Three payload shapes are accepted:
//
//   - the EventBridge "EC2 Instance-launch Lifecycle Action" and
//     "EC2 Instance-terminate Lifecycle Action" events emitted by Auto Scaling;
//   - the lifecycle notification Auto Scaling sends directly to an SQS
//     notification target;
//   - the continuation envelope produced by Encode.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/NavarchProject/hookwatch/pkg/clock"
	"github.com/NavarchProject/hookwatch/pkg/lifecycle"
)

// DefaultTransitionTimeout bounds a transition when no deadline has been
// fixed yet.
const DefaultTransitionTimeout = time.Hour

// testNotification is sent by Auto Scaling when a notification target is
// first configured.
const testNotification = "autoscaling:TEST_NOTIFICATION"

// Message is the continuation envelope. Deadline is Unix seconds so that it
// survives any number of round trips unchanged.
type Message struct {
	NodeID          string `json:"nodeId" validate:"required"`
	GroupName       string `json:"groupName" validate:"required"`
	HookName        string `json:"hookName,omitempty"`
	HookToken       string `json:"hookToken" validate:"required"`
	Role            string `json:"role" validate:"required,oneof=join drain"`
	Deadline        int64  `json:"deadline,omitempty" validate:"gte=0"`
	ActivationCount int    `json:"activationCount,omitempty" validate:"gte=0"`
}

// lifecycleAction is the detail of an Auto Scaling EventBridge event, or
// the whole body of a notification sent to an SQS target. Time is only set
// in the latter.
type lifecycleAction struct {
	Time                 time.Time `json:"Time"`
	EC2InstanceID        string    `json:"EC2InstanceId"`
	AutoScalingGroupName string    `json:"AutoScalingGroupName"`
	LifecycleHookName    string    `json:"LifecycleHookName"`
	LifecycleActionToken string    `json:"LifecycleActionToken"`
	LifecycleTransition  string    `json:"LifecycleTransition"`
}

type eventBridgeEvent struct {
	DetailType string           `json:"detail-type"`
	Time       time.Time        `json:"time"`
	Detail     *lifecycleAction `json:"detail"`
}

// Config configures a Decoder.
type Config struct {
	// DefaultRole is used when the payload does not say which transition it
	// belongs to.
	DefaultRole lifecycle.Role

	// DefaultHookName is used when the payload carries no hook name.
	DefaultHookName string

	// TransitionTimeout is added to the first observation time to fix the
	// deadline. It counts from the event's own time when the payload carries
	// one, otherwise from the clock. Defaults to DefaultTransitionTimeout.
	TransitionTimeout time.Duration

	// Clock supplies the first observation time. Defaults to real time.
	Clock clock.Clock
}

// Decoder turns notifications into lifecycle contexts. It is safe for
// concurrent use.
type Decoder struct {
	cfg      Config
	validate *validator.Validate
}

// NewDecoder creates a Decoder.
func NewDecoder(cfg Config) *Decoder {
	if cfg.TransitionTimeout <= 0 {
		cfg.TransitionTimeout = DefaultTransitionTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	return &Decoder{cfg: cfg, validate: v}
}

// Decode parses payload. Any error wraps lifecycle.ErrMalformedEvent.
func (d *Decoder) Decode(payload []byte) (lifecycle.Context, error) {
	var probe struct {
		Detail json.RawMessage `json:"detail"`
		Event  string          `json:"Event"`
		Token  string          `json:"LifecycleActionToken"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return lifecycle.Context{}, &lifecycle.MalformedEventError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}

	var (
		msg      Message
		observed time.Time
	)
	if len(probe.Detail) > 0 {
		var ev eventBridgeEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return lifecycle.Context{}, &lifecycle.MalformedEventError{Field: "detail", Reason: err.Error()}
		}
		m, err := d.fromLifecycleAction(ev.Detail)
		if err != nil {
			return lifecycle.Context{}, err
		}
		msg, observed = m, ev.Time
	} else if probe.Token != "" || probe.Event != "" {
		if probe.Event == testNotification {
			return lifecycle.Context{}, &lifecycle.MalformedEventError{Field: "Event", Reason: "test notification"}
		}
		var a lifecycleAction
		if err := json.Unmarshal(payload, &a); err != nil {
			return lifecycle.Context{}, &lifecycle.MalformedEventError{Reason: err.Error()}
		}
		m, err := d.fromLifecycleAction(&a)
		if err != nil {
			return lifecycle.Context{}, err
		}
		msg, observed = m, a.Time
	} else {
		if err := json.Unmarshal(payload, &msg); err != nil {
			return lifecycle.Context{}, &lifecycle.MalformedEventError{Reason: err.Error()}
		}
		// A continuation that lost its deadline must not restart the window.
		if msg.ActivationCount > 0 && msg.Deadline == 0 {
			return lifecycle.Context{}, &lifecycle.MalformedEventError{Field: "deadline", Reason: "required on continuation"}
		}
		if msg.Role == "" && d.cfg.DefaultRole != "" {
			msg.Role = string(d.cfg.DefaultRole)
		}
	}

	if msg.HookName == "" {
		msg.HookName = d.cfg.DefaultHookName
	}
	msg.Role = strings.ToLower(msg.Role)

	if err := d.validate.Struct(msg); err != nil {
		return lifecycle.Context{}, convertValidationError(err)
	}

	deadline := time.Unix(msg.Deadline, 0).UTC()
	if msg.Deadline == 0 {
		if observed.IsZero() {
			observed = d.cfg.Clock.Now()
		}
		deadline = observed.Add(d.cfg.TransitionTimeout).Truncate(time.Second).UTC()
	}

	return lifecycle.Context{
		NodeID:          msg.NodeID,
		GroupName:       msg.GroupName,
		HookName:        msg.HookName,
		HookToken:       msg.HookToken,
		Role:            lifecycle.Role(msg.Role),
		Deadline:        deadline,
		ActivationCount: msg.ActivationCount,
	}, nil
}

func (d *Decoder) fromLifecycleAction(a *lifecycleAction) (Message, error) {
	if a == nil {
		return Message{}, &lifecycle.MalformedEventError{Field: "detail", Reason: "missing"}
	}

	role := d.cfg.DefaultRole
	if a.LifecycleTransition != "" {
		r, err := lifecycle.ParseRole(a.LifecycleTransition)
		if err != nil {
			return Message{}, &lifecycle.MalformedEventError{Field: "LifecycleTransition", Reason: err.Error()}
		}
		role = r
	}

	return Message{
		NodeID:    a.EC2InstanceID,
		GroupName: a.AutoScalingGroupName,
		HookName:  a.LifecycleHookName,
		HookToken: a.LifecycleActionToken,
		Role:      string(role),
	}, nil
}

// Encode renders the continuation envelope for c.
func Encode(c lifecycle.Context) ([]byte, error) {
	if c.Deadline.IsZero() {
		return nil, errors.New("encode continuation: deadline not set")
	}
	return json.Marshal(Message{
		NodeID:          c.NodeID,
		GroupName:       c.GroupName,
		HookName:        c.HookName,
		HookToken:       c.HookToken,
		Role:            string(c.Role),
		Deadline:        c.Deadline.Unix(),
		ActivationCount: c.ActivationCount,
	})
}

func convertValidationError(err error) error {
	var ves validator.ValidationErrors
	if errors.As(err, &ves) && len(ves) > 0 {
		fe := ves[0]
		return &lifecycle.MalformedEventError{
			Field:  fe.Field(),
			Reason: fmt.Sprintf("failed validation for tag '%s'", fe.Tag()),
		}
	}
	return &lifecycle.MalformedEventError{Reason: err.Error()}
}
