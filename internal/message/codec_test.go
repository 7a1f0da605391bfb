package message

import (
	"encoding/json"
	"errors"
	"testing"

	"batch-dispatch/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawWith(props map[string]string, b *body) *Raw {
	r := &Raw{ID: "m-1", Topic: "batch.control", Properties: props}
	if b != nil {
		r.Body, _ = json.Marshal(b)
	}
	return r
}

func TestDecodeStartVersionGating(t *testing.T) {
	tests := []struct {
		name     string
		minor    string
		execID   string
		wantExec int64
	}{
		{name: "version 0 ignores execution id", minor: "0", execID: "42", wantExec: domain.NoExecution},
		{name: "missing version is 0", minor: "", execID: "42", wantExec: domain.NoExecution},
		{name: "version 1 carries execution id", minor: "1", execID: "42", wantExec: 42},
		{name: "version 2 carries execution id", minor: "2", execID: "7", wantExec: 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			props := map[string]string{
				PropOperation:   "start",
				PropInstanceID:  "11",
				PropExecutionID: tt.execID,
			}
			if tt.minor != "" {
				props[PropMinorVersion] = tt.minor
			}
			msg, err := Decode(rawWith(props, nil))
			require.NoError(t, err)
			assert.Equal(t, OperationStart, msg.Operation)
			assert.Equal(t, int64(11), msg.InstanceID)
			assert.Equal(t, tt.wantExec, msg.ExecutionID)
		})
	}
}

func TestDecodeRestartVersionGating(t *testing.T) {
	old, err := Decode(rawWith(map[string]string{
		PropOperation:    "RESTART",
		PropMinorVersion: "1",
		PropInstanceID:   "99",
		PropExecutionID:  "5",
	}, nil))
	require.NoError(t, err)
	assert.Equal(t, domain.NoExecution, old.InstanceID, "instance id is not trusted before version 2")
	assert.Equal(t, int64(5), old.ExecutionID)

	current, err := Decode(rawWith(map[string]string{
		PropOperation:    "Restart",
		PropMinorVersion: "2",
		PropInstanceID:   "99",
		PropExecutionID:  "5",
	}, nil))
	require.NoError(t, err)
	assert.Equal(t, int64(99), current.InstanceID)
	assert.Equal(t, int64(5), current.ExecutionID)
}

func TestDecodeOperationIsCaseInsensitive(t *testing.T) {
	for _, op := range []string{"start", "START", "StArT"} {
		msg, err := Decode(rawWith(map[string]string{PropOperation: op, PropInstanceID: "1"}, nil))
		require.NoError(t, err, op)
		assert.Equal(t, OperationStart, msg.Operation)
	}
}

func TestDecodeUnrecognizedOperation(t *testing.T) {
	_, err := Decode(rawWith(map[string]string{PropOperation: "stop", PropInstanceID: "1"}, nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnrecognizedOperation)
	assert.False(t, errors.Is(err, domain.ErrMalformedMessage))
}

func TestDecodeMalformedRecoversInstanceID(t *testing.T) {
	tests := []struct {
		name       string
		raw        *Raw
		wantInstID int64
	}{
		{
			name:       "missing operation",
			raw:        rawWith(map[string]string{PropInstanceID: "12"}, nil),
			wantInstID: 12,
		},
		{
			name:       "bad minor version",
			raw:        rawWith(map[string]string{PropOperation: "start", PropInstanceID: "12", PropMinorVersion: "x"}, nil),
			wantInstID: 12,
		},
		{
			name: "bad body",
			raw: &Raw{Properties: map[string]string{PropOperation: "start", PropInstanceID: "3"},
				Body: []byte("{not json")},
			wantInstID: 3,
		},
		{
			name:       "start without execution id at version 1",
			raw:        rawWith(map[string]string{PropOperation: "start", PropInstanceID: "8", PropMinorVersion: "1"}, nil),
			wantInstID: 8,
		},
		{
			name:       "no instance id at all",
			raw:        rawWith(map[string]string{PropOperation: "start"}, nil),
			wantInstID: domain.NoExecution,
		},
		{
			name:       "nil message",
			raw:        nil,
			wantInstID: domain.NoExecution,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.raw)
			require.Error(t, err)
			var me *MalformedMessageError
			require.ErrorAs(t, err, &me)
			assert.Equal(t, tt.wantInstID, me.InstanceID)
			assert.True(t, domain.IsKind(err, domain.KindMalformedMessage))
		})
	}
}

func TestStartRoundTrip(t *testing.T) {
	params := domain.JobParameters{{Key: "b", Value: "2"}, {Key: "a", Value: "1"}}
	raw, err := EncodeStart("batch.control", "payroll", 4, 9, []byte(`{"subject":"alice"}`), params)
	require.NoError(t, err)
	assert.NotEmpty(t, raw.ID)

	msg, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(4), msg.InstanceID)
	assert.Equal(t, int64(9), msg.ExecutionID)
	assert.Equal(t, CurrentMinorVersion, msg.MinorVersion)
	assert.Equal(t, "payroll", msg.AppName)
	assert.Equal(t, params, msg.JobParameters, "parameter order is kept")
	assert.JSONEq(t, `{"subject":"alice"}`, string(msg.SecurityContext))
}

func TestStartPartitionPayload(t *testing.T) {
	payload := &StartPartitionPayload{
		PlanConfig: domain.PartitionPlanConfig{
			TopLevelInstanceID:  1,
			TopLevelExecutionID: 2,
			JobName:             "payroll",
			StepName:            "calc",
			PartitionNumber:     3,
			Properties:          map[string]string{"range": "100-200"},
		},
		Step: domain.StepDefinition{
			Name:         "calc",
			ExecutorType: domain.ExecutorTypeShell,
			Executor:     domain.StepExecutorSpec{Command: "echo hi"},
			Partitions:   4,
		},
		SecurityContext: []byte(`{"subject":"bob"}`),
	}
	raw, err := EncodeStartPartition("batch.control", "node-a", payload)
	require.NoError(t, err)

	msg, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, OperationStartPartition, msg.Operation)
	assert.Equal(t, "node-a", msg.ReplyTo)
	require.NotNil(t, msg.Partition)
	assert.Equal(t, payload.PlanConfig, msg.Partition.PlanConfig)
	assert.Equal(t, int64(2), msg.ExecutionID)
	assert.JSONEq(t, `{"subject":"bob"}`, string(msg.SecurityContext))

	t.Run("missing reply destination", func(t *testing.T) {
		delete(raw.Properties, PropReplyTo)
		_, err := Decode(raw)
		assert.ErrorIs(t, err, domain.ErrMalformedMessage)
	})

	t.Run("invalid step", func(t *testing.T) {
		bad := *payload
		bad.Step.ExecutorType = "ftp"
		raw, err := EncodeStartPartition("batch.control", "node-a", &bad)
		require.NoError(t, err)
		_, err = Decode(raw)
		assert.ErrorIs(t, err, domain.ErrMalformedMessage)
	})
}
