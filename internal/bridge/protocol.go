// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidMessage is returned when a peer message cannot be parsed.
	ErrInvalidMessage = errors.New("bridge: invalid message format")

	// ErrMissingRequestID is returned when a reply lacks a correlation
	// identifier. Such replies are never matched to a pending call.
	ErrMissingRequestID = errors.New("bridge: reply missing requestId")
)

// Operation kinds sent to the extension. Each carries a requestId and
// operation-specific arguments.
const (
	OpReadContent    = "read_content"
	OpExecuteScript  = "execute_script"
	OpScrollPage     = "scroll_page"
	OpClickElement   = "click_element"
	OpWaitForElement = "wait_for_element"
	OpExtractData    = "extract_structured_data"
	OpGetCurrentURL  = "get_current_url"
	OpGetDOMSnapshot = "get_dom_snapshot"
	OpNavigateTo     = "navigate_to"

	// TypeHello is sent to the extension immediately after accept.
	// It carries no semantic payload beyond "bridge is ready".
	TypeHello = "hello"

	// TypePing and TypePong form a liveness probe independent of the
	// requestId correlation scheme.
	TypePing = "ping"
	TypePong = "pong"
)

// Request is an outbound operation message. Arguments are flattened
// alongside type and requestId, matching the extension's expectations.
type Request struct {
	Type      string
	RequestID string
	Args      map[string]any
}

// NewRequest creates a request for the given operation kind with a
// generated correlation identifier.
func NewRequest(op string, args map[string]any) *Request {
	return &Request{
		Type:      op,
		RequestID: uuid.New().String(),
		Args:      args,
	}
}

// Marshal encodes the request as a flat JSON object.
func (r *Request) Marshal() ([]byte, error) {
	obj := make(map[string]any, len(r.Args)+2)
	for k, v := range r.Args {
		obj[k] = v
	}
	obj["type"] = r.Type
	obj["requestId"] = r.RequestID
	return json.Marshal(obj)
}

// Reply is an inbound message from the extension. Operation replies use
// noun-based type names (content, click_result, ...) and carry the
// requestId of the call they answer, a success flag, and either payload
// fields or an error string.
type Reply struct {
	// Type is the declared reply type.
	Type string `json:"type"`

	// RequestID links the reply to its pending call.
	RequestID string `json:"requestId"`

	// Success reports whether the in-page action succeeded. Replies that
	// omit it (content, current_url, pong) are treated as successful.
	Success *bool `json:"success"`

	// Error is the peer-supplied failure reason, if any.
	Error string `json:"error"`

	// Raw is the full message body, preserved so operation-specific
	// payload fields (data, html, url, result, ...) reach the caller
	// unmodified.
	Raw json.RawMessage `json:"-"`
}

// OK reports whether the reply carries a success status.
func (r *Reply) OK() bool {
	return r.Success == nil || *r.Success
}

// Field extracts a named payload field from the raw reply body.
func (r *Reply) Field(name string) (json.RawMessage, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(r.Raw, &obj); err != nil {
		return nil, false
	}
	v, ok := obj[name]
	return v, ok
}

// StringField extracts a named payload field as a string, returning ""
// if absent or not a string.
func (r *Reply) StringField(name string) string {
	raw, ok := r.Field(name)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// ParseReply parses an inbound peer message. A reply without a usable
// requestId is rejected with ErrMissingRequestID: the earlier protocol
// revision matched such replies by type against the oldest pending call
// of a compatible kind, which cross-resolves concurrent same-kind calls.
// Pong messages are exempt; they are not correlated.
func ParseReply(data []byte) (*Reply, error) {
	var reply Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	reply.Raw = append(json.RawMessage(nil), data...)

	if reply.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	if reply.Type != TypePong && reply.RequestID == "" {
		return nil, ErrMissingRequestID
	}

	return &reply, nil
}

// HelloMessage is the greeting sent to the extension on accept.
type HelloMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewHello creates the handshake greeting.
func NewHello() *HelloMessage {
	return &HelloMessage{Type: TypeHello, Message: "MCP Server Connected!"}
}

// PingMessage is the liveness probe sent to the extension.
type PingMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// NewPing creates a ping carrying the current time in milliseconds.
func NewPing() *PingMessage {
	return &PingMessage{Type: TypePing, Timestamp: time.Now().UnixMilli()}
}
