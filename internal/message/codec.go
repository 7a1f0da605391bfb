package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"batch-dispatch/internal/domain"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ErrUnrecognizedOperation is returned by Decode for an operation this node
// does not handle. Such messages are ignored, not failed.
var ErrUnrecognizedOperation = errors.New("unrecognized control operation")

// MalformedMessageError reports a message that could not be decoded.
// InstanceID is the instance id recovered before decoding failed, or -1.
type MalformedMessageError struct {
	InstanceID int64
	Reason     string
	Err        error
}

func (e *MalformedMessageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed control message: %s: %v", e.Reason, e.Err)
	}
	return "malformed control message: " + e.Reason
}

func (e *MalformedMessageError) Unwrap() []error {
	if e.Err == nil {
		return []error{domain.ErrMalformedMessage}
	}
	return []error{domain.ErrMalformedMessage, e.Err}
}

var errMissingProperty = errors.New("missing property")

var validate = validator.New()

type body struct {
	SecurityContext []byte                 `json:"security_context,omitempty"`
	JobParameters   domain.JobParameters   `json:"job_parameters,omitempty"`
	Partition       *StartPartitionPayload `json:"partition,omitempty"`
}

func malformed(instanceID int64, reason string, err error) error {
	return &MalformedMessageError{InstanceID: instanceID, Reason: reason, Err: err}
}

func parseOperation(s string) (Operation, bool) {
	for _, op := range []Operation{OperationStart, OperationRestart, OperationStartPartition} {
		if strings.EqualFold(s, string(op)) {
			return op, true
		}
	}
	return "", false
}

func parseID(raw *Raw, name string) (int64, error) {
	v := strings.TrimSpace(raw.Property(name))
	if v == "" {
		return domain.NoExecution, fmt.Errorf("%s: %w", name, errMissingProperty)
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return domain.NoExecution, fmt.Errorf("%s: %w", name, err)
	}
	if id < domain.NoExecution {
		return domain.NoExecution, fmt.Errorf("%s: negative id %d", name, id)
	}
	return id, nil
}

// Decode turns a raw message into a ControlMessage. Fields that the sender's
// minor version does not carry are set to -1.
func Decode(raw *Raw) (*ControlMessage, error) {
	if raw == nil {
		return nil, malformed(domain.NoExecution, "nil message", nil)
	}

	instanceID, instErr := parseID(raw, PropInstanceID)
	recovered := domain.NoExecution
	if instErr == nil {
		recovered = instanceID
	}

	opName := strings.TrimSpace(raw.Property(PropOperation))
	if opName == "" {
		return nil, malformed(recovered, "missing operation", nil)
	}
	op, ok := parseOperation(opName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnrecognizedOperation, opName)
	}

	minor := 0
	if v := strings.TrimSpace(raw.Property(PropMinorVersion)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, malformed(recovered, "invalid minor version "+strconv.Quote(v), err)
		}
		minor = n
	}

	var b body
	if len(raw.Body) > 0 {
		if err := json.Unmarshal(raw.Body, &b); err != nil {
			return nil, malformed(recovered, "invalid body", err)
		}
	}

	msg := &ControlMessage{
		Operation:       op,
		InstanceID:      domain.NoExecution,
		ExecutionID:     domain.NoExecution,
		MinorVersion:    minor,
		AppName:         raw.Property(PropAppName),
		SecurityContext: b.SecurityContext,
		JobParameters:   b.JobParameters,
	}

	switch op {
	case OperationStart:
		if instErr != nil {
			return nil, malformed(domain.NoExecution, "start without instance id", instErr)
		}
		msg.InstanceID = instanceID
		if minor >= MinorVersionExecutionID {
			execID, err := parseID(raw, PropExecutionID)
			if err != nil {
				return nil, malformed(instanceID, "start without execution id", err)
			}
			msg.ExecutionID = execID
		}

	case OperationRestart:
		execID, err := parseID(raw, PropExecutionID)
		if minor >= MinorVersionRestartInstanceID {
			if instErr != nil {
				return nil, malformed(domain.NoExecution, "restart without instance id", instErr)
			}
			msg.InstanceID = instanceID
			if err != nil {
				return nil, malformed(instanceID, "restart without execution id", err)
			}
		} else if err != nil {
			// Older senders identify the instance only through its execution.
			return nil, malformed(domain.NoExecution, "restart without execution id", err)
		}
		msg.ExecutionID = execID

	case OperationStartPartition:
		if b.Partition == nil {
			return nil, malformed(domain.NoExecution, "start_partition without payload", nil)
		}
		if err := validate.Struct(b.Partition); err != nil {
			return nil, malformed(domain.NoExecution, "invalid partition payload", err)
		}
		msg.ReplyTo = strings.TrimSpace(raw.Property(PropReplyTo))
		if msg.ReplyTo == "" {
			return nil, malformed(domain.NoExecution, "start_partition without reply destination", nil)
		}
		msg.Partition = b.Partition
		msg.InstanceID = b.Partition.PlanConfig.TopLevelInstanceID
		msg.ExecutionID = b.Partition.PlanConfig.TopLevelExecutionID
		msg.SecurityContext = b.Partition.SecurityContext
	}

	return msg, nil
}

func newRaw(topic string, op Operation, b body) (*Raw, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s message body: %w", op, err)
	}
	return &Raw{
		ID:    uuid.Must(uuid.NewV7()).String(),
		Topic: topic,
		Properties: map[string]string{
			PropOperation:    string(op),
			PropMinorVersion: strconv.Itoa(CurrentMinorVersion),
		},
		Body:      data,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// EncodeStart builds a START message for an instance and its precreated execution.
func EncodeStart(topic, appName string, instanceID, executionID int64, securityContext []byte, params domain.JobParameters) (*Raw, error) {
	raw, err := newRaw(topic, OperationStart, body{SecurityContext: securityContext, JobParameters: params})
	if err != nil {
		return nil, err
	}
	raw.Properties[PropAppName] = appName
	raw.Properties[PropInstanceID] = strconv.FormatInt(instanceID, 10)
	raw.Properties[PropExecutionID] = strconv.FormatInt(executionID, 10)
	return raw, nil
}

// EncodeRestart builds a RESTART message.
func EncodeRestart(topic, appName string, instanceID, executionID int64, securityContext []byte, params domain.JobParameters) (*Raw, error) {
	raw, err := newRaw(topic, OperationRestart, body{SecurityContext: securityContext, JobParameters: params})
	if err != nil {
		return nil, err
	}
	raw.Properties[PropAppName] = appName
	raw.Properties[PropInstanceID] = strconv.FormatInt(instanceID, 10)
	raw.Properties[PropExecutionID] = strconv.FormatInt(executionID, 10)
	return raw, nil
}

// EncodeStartPartition builds a START_PARTITION message whose replies go to replyTo.
func EncodeStartPartition(topic, replyTo string, payload *StartPartitionPayload) (*Raw, error) {
	if payload == nil {
		return nil, errors.New("nil partition payload")
	}
	raw, err := newRaw(topic, OperationStartPartition, body{Partition: payload})
	if err != nil {
		return nil, err
	}
	raw.Properties[PropReplyTo] = replyTo
	raw.Properties[PropInstanceID] = strconv.FormatInt(payload.PlanConfig.TopLevelInstanceID, 10)
	raw.Properties[PropExecutionID] = strconv.FormatInt(payload.PlanConfig.TopLevelExecutionID, 10)
	return raw, nil
}
