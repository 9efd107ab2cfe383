package envelope

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/imbus/internal/runtime/errors"
	idspkg "github.com/drblury/imbus/internal/runtime/ids"
)

func TestNewAppliesDefaultsAndOptions(t *testing.T) {
	created := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	env := New("im.message.send", TypeRequest, map[string]any{"content": "hi"},
		WithCreatedAt(created),
		FromService("gateway", "gw-1"),
		WithUser("u-1", "d-1", "s-1"),
		WithMetadata("trace", "abc"),
	)

	assert.NotEmpty(t, env.EventID)
	assert.Equal(t, StatusPending, env.Status)
	assert.Equal(t, PriorityNormal, env.Priority)
	assert.Equal(t, created, env.CreatedAt)
	assert.Equal(t, "gateway", env.SourceService)
	assert.Equal(t, "gw-1", env.SourceInstance)
	assert.Equal(t, "u-1", env.UserID)
	assert.Equal(t, "abc", env.Metadata["trace"])

	ts, err := idspkg.Timestamp(env.EventID)
	require.NoError(t, err)
	assert.True(t, ts.Equal(created), "event id should encode the creation time")
}

func TestEventIDsAreUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 500; i++ {
		env := New("im.message.send", TypeNotification, nil)
		_, dup := seen[env.EventID]
		require.False(t, dup, "duplicate id %s", env.EventID)
		seen[env.EventID] = struct{}{}
	}
}

func TestStatusTransitions(t *testing.T) {
	t.Run("success is terminal", func(t *testing.T) {
		env := New("im.user.login", TypeRequest, nil)
		require.NoError(t, env.Succeed())
		err := env.Fail("X", "late failure")
		require.ErrorIs(t, err, errspkg.ErrTerminalStatus)
		assert.Equal(t, StatusSuccess, env.Status)
		assert.Empty(t, env.ErrorCode)
	})

	t.Run("failure records code and message", func(t *testing.T) {
		env := New("im.user.login", TypeRequest, nil)
		require.NoError(t, env.Fail("AUTH", "bad token"))
		assert.True(t, env.IsFailure())
		assert.Equal(t, "AUTH", env.ErrorCode)
		assert.Equal(t, "bad token", env.ErrorMessage)
		assert.ErrorIs(t, env.Succeed(), errspkg.ErrTerminalStatus)
	})

	t.Run("timeout is not terminal", func(t *testing.T) {
		env := New("im.user.login", TypeRequest, nil)
		require.NoError(t, env.TimeOut())
		assert.Equal(t, StatusTimeout, env.Status)
		require.NoError(t, env.Succeed())
	})
}

func TestReplyToRoutesBackToSource(t *testing.T) {
	req := New("im.friend.add", TypeRequest, nil,
		FromService("gateway", "gw-2"),
		WithUser("u-9", "d-9", "s-9"),
	)
	resp := ReplyTo(req, "im.friend.add.result", map[string]any{"ok": true}, FromService("friend-service", "fs-1"))

	assert.NotEqual(t, req.EventID, resp.EventID)
	assert.Equal(t, req.EventID, resp.CorrelationID)
	assert.Equal(t, TypeResponse, resp.EventType)
	assert.Equal(t, "gateway", resp.TargetService)
	assert.Equal(t, "gw-2", resp.TargetInstance)
	assert.Equal(t, "friend-service", resp.SourceService)
	assert.Equal(t, "u-9", resp.UserID)
	assert.Equal(t, "d-9", resp.DeviceID)
	assert.Equal(t, "s-9", resp.SessionID)
}

func TestEncodeDecode(t *testing.T) {
	env := New("im.message.send", TypeRequest, map[string]any{"content": "hello"},
		WithPriority(PriorityHigh),
		WithUser("u-1", "", ""),
	)

	raw, err := Encode(env)
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, env.EventID, decoded.EventID)
	assert.Equal(t, env.Subject, decoded.Subject)
	assert.Equal(t, PriorityHigh, decoded.Priority)
	assert.True(t, env.CreatedAt.Equal(decoded.CreatedAt))
	assert.Equal(t, "hello", decoded.Data.(map[string]any)["content"])
}

func TestDecodeRejectsMalformedPayloads(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    error
	}{
		{name: "empty", payload: "", want: errspkg.ErrEventPayloadRequired},
		{name: "missing id", payload: `{"subject":"im.x"}`, want: errspkg.ErrEventIDRequired},
		{name: "not json", payload: `{{{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.payload))
			require.Error(t, err)
			if tt.want != nil {
				assert.True(t, errors.Is(err, tt.want), "got %v", err)
			}
		})
	}
}

func TestDecodeNormalisesLegacyPriority(t *testing.T) {
	decoded, err := Decode([]byte(`{"eventId":"01","subject":"im.x","priority":"MEDIUM"}`))
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, decoded.Priority)

	decoded, err = Decode([]byte(`{"eventId":"02","subject":"im.x"}`))
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, decoded.Priority)

	_, flagged := decoded.Metadata[MetadataKeyUnknownPriority]
	assert.False(t, flagged)
}

func TestDecodeMapsUnknownPriorityToNormal(t *testing.T) {
	decoded, err := Decode([]byte(`{"eventId":"03","subject":"im.x","priority":"CRITICAL"}`))
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, decoded.Priority)
	assert.Equal(t, "CRITICAL", decoded.Metadata[MetadataKeyUnknownPriority])
}

func TestPriorityIsCritical(t *testing.T) {
	assert.False(t, PriorityLow.IsCritical())
	assert.False(t, PriorityNormal.IsCritical())
	assert.True(t, PriorityHigh.IsCritical())
	assert.True(t, PriorityUrgent.IsCritical())
}
