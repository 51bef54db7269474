// Package wire builds outgoing Jupyter wire-protocol execute_request
// envelopes and classifies incoming envelopes by type, matching the
// message shapes the kernel host speaks over the WebSocket channel.
package wire

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

const protocolVersion = "5.3"

// Header is the Jupyter wire-protocol message header.
type Header struct {
	MsgID   string `json:"msg_id"`
	Session string `json:"session"`
	// Username identifies the sender. The kernel host does not
	// authenticate it; it is carried for log correlation only.
	Username string `json:"username"`
	MsgType  string `json:"msg_type"`
	Version  string `json:"version"`
}

// ParentHeader links a reply envelope back to the request that
// produced it.
type ParentHeader struct {
	MsgID string `json:"msg_id,omitempty"`
}

// ExecuteRequestContent is the content body of an execute_request.
type ExecuteRequestContent struct {
	Code            string                 `json:"code"`
	Silent          bool                   `json:"silent"`
	StoreHistory    bool                   `json:"store_history"`
	UserExpressions map[string]interface{} `json:"user_expressions"`
	AllowStdin      bool                   `json:"allow_stdin"`
	StopOnError     bool                   `json:"stop_on_error"`
}

// Envelope is the outgoing execute_request message.
type Envelope struct {
	Header       Header                 `json:"header"`
	ParentHeader ParentHeader           `json:"parent_header"`
	Metadata     map[string]interface{} `json:"metadata"`
	Content      ExecuteRequestContent  `json:"content"`
	Buffers      []string               `json:"buffers"`
}

// newID returns a fresh 128-bit random hex identifier, the same shape
// as the original implementation's uuid4().hex: no dashes.
func newID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// NewExecuteRequest builds an execute_request envelope for code and
// returns its msg_id alongside the marshaled JSON payload ready to send
// on the channel. A fresh session id is minted per call: sessions are
// not reused across requests (see DESIGN.md Open Question 1).
func NewExecuteRequest(code string) (msgID string, payload []byte, err error) {
	msgID = newID()
	env := Envelope{
		Header: Header{
			MsgID:    msgID,
			Session:  newID(),
			Username: "kernelbroker",
			MsgType:  "execute_request",
			Version:  protocolVersion,
		},
		ParentHeader: ParentHeader{},
		Metadata:     map[string]interface{}{},
		Content: ExecuteRequestContent{
			Code:            code,
			Silent:          false,
			StoreHistory:    false,
			UserExpressions: map[string]interface{}{},
			AllowStdin:      false,
			StopOnError:     true,
		},
		Buffers: []string{},
	}
	payload, err = json.Marshal(env)
	return msgID, payload, err
}

// Kind enumerates the incoming message types this broker understands.
type Kind string

const (
	KindStream        Kind = "stream"
	KindExecuteResult Kind = "execute_result"
	KindDisplayData   Kind = "display_data"
	KindError         Kind = "error"
	KindStatus        Kind = "status"
	KindOther         Kind = "other"
)

// Incoming is the classified form of one received envelope: the parts
// the session cares about, pulled out of the raw JSON.
type Incoming struct {
	ParentMsgID string
	Kind        Kind
	// StreamText is content.text for KindStream.
	StreamText string
	// ResultText is content.data["text/plain"] for KindExecuteResult
	// and KindDisplayData.
	ResultText string
	// Traceback is content.traceback for KindError.
	Traceback []string
	// ExecutionState is content.execution_state for KindStatus.
	ExecutionState string
}

type rawEnvelope struct {
	Header struct {
		MsgType string `json:"msg_type"`
	} `json:"header"`
	ParentHeader struct {
		MsgID string `json:"msg_id"`
	} `json:"parent_header"`
	Content json.RawMessage `json:"content"`
}

// Parse classifies one raw JSON envelope. A malformed envelope returns
// an error; callers must log and skip it rather than treat it as a
// session failure (§4.1 Failure, §7 InvalidEnvelope).
func Parse(raw []byte) (Incoming, error) {
	var env rawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Incoming{}, err
	}

	in := Incoming{
		ParentMsgID: env.ParentHeader.MsgID,
	}

	switch env.Header.MsgType {
	case "stream":
		in.Kind = KindStream
		var content struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(env.Content, &content); err != nil {
			return Incoming{}, err
		}
		in.StreamText = content.Text

	case "execute_result", "display_data":
		if env.Header.MsgType == "execute_result" {
			in.Kind = KindExecuteResult
		} else {
			in.Kind = KindDisplayData
		}
		var content struct {
			Data map[string]interface{} `json:"data"`
		}
		if err := json.Unmarshal(env.Content, &content); err != nil {
			return Incoming{}, err
		}
		if text, ok := content.Data["text/plain"].(string); ok {
			in.ResultText = text
		}

	case "error":
		in.Kind = KindError
		var content struct {
			Traceback []string `json:"traceback"`
		}
		if err := json.Unmarshal(env.Content, &content); err != nil {
			return Incoming{}, err
		}
		in.Traceback = content.Traceback

	case "status":
		in.Kind = KindStatus
		var content struct {
			ExecutionState string `json:"execution_state"`
		}
		if err := json.Unmarshal(env.Content, &content); err != nil {
			return Incoming{}, err
		}
		in.ExecutionState = content.ExecutionState

	default:
		in.Kind = KindOther
	}

	return in, nil
}
