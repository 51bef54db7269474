package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExecuteRequest(t *testing.T) {
	msgID, payload, err := NewExecuteRequest("print(1)")
	require.NoError(t, err)
	assert.NotEmpty(t, msgID)
	assert.NotContains(t, msgID, "-")

	var env Envelope
	require.NoError(t, json.Unmarshal(payload, &env))
	assert.Equal(t, msgID, env.Header.MsgID)
	assert.Equal(t, "execute_request", env.Header.MsgType)
	assert.Equal(t, "5.3", env.Header.Version)
	assert.Equal(t, "print(1)", env.Content.Code)
	assert.True(t, env.Content.StopOnError)
	assert.False(t, env.Content.Silent)
	assert.NotEqual(t, msgID, env.Header.Session)
}

func TestNewExecuteRequestFreshSessionPerCall(t *testing.T) {
	_, p1, err := NewExecuteRequest("1+1")
	require.NoError(t, err)
	_, p2, err := NewExecuteRequest("1+1")
	require.NoError(t, err)

	var e1, e2 Envelope
	require.NoError(t, json.Unmarshal(p1, &e1))
	require.NoError(t, json.Unmarshal(p2, &e2))
	assert.NotEqual(t, e1.Header.Session, e2.Header.Session)
	assert.NotEqual(t, e1.Header.MsgID, e2.Header.MsgID)
}

func TestParseStream(t *testing.T) {
	raw := []byte(`{"header":{"msg_type":"stream"},"parent_header":{"msg_id":"abc"},"content":{"name":"stdout","text":"hi\n"}}`)
	in, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, KindStream, in.Kind)
	assert.Equal(t, "abc", in.ParentMsgID)
	assert.Equal(t, "hi\n", in.StreamText)
}

func TestParseExecuteResult(t *testing.T) {
	raw := []byte(`{"header":{"msg_type":"execute_result"},"parent_header":{"msg_id":"abc"},"content":{"data":{"text/plain":"42"}}}`)
	in, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, KindExecuteResult, in.Kind)
	assert.Equal(t, "42", in.ResultText)
}

func TestParseDisplayData(t *testing.T) {
	raw := []byte(`{"header":{"msg_type":"display_data"},"parent_header":{"msg_id":"abc"},"content":{"data":{"text/plain":"<Figure>"}}}`)
	in, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, KindDisplayData, in.Kind)
	assert.Equal(t, "<Figure>", in.ResultText)
}

func TestParseError(t *testing.T) {
	raw := []byte(`{"header":{"msg_type":"error"},"parent_header":{"msg_id":"abc"},"content":{"ename":"ZeroDivisionError","traceback":["line1","line2"]}}`)
	in, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, KindError, in.Kind)
	assert.Equal(t, []string{"line1", "line2"}, in.Traceback)
}

func TestParseIdleStatus(t *testing.T) {
	raw := []byte(`{"header":{"msg_type":"status"},"parent_header":{"msg_id":"abc"},"content":{"execution_state":"idle"}}`)
	in, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, KindStatus, in.Kind)
	assert.Equal(t, "idle", in.ExecutionState)
}

func TestParseUnknownTypeIsIgnoredNotError(t *testing.T) {
	raw := []byte(`{"header":{"msg_type":"comm_open"},"parent_header":{"msg_id":"abc"},"content":{}}`)
	in, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, KindOther, in.Kind)
}

func TestParseMalformedEnvelopeErrors(t *testing.T) {
	_, err := Parse([]byte(`not json`))
	assert.Error(t, err)
}
