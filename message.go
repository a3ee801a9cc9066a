package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// MessageKind tags the variants of Message.
type MessageKind int

// Message kinds.
const (
	KindRequest MessageKind = iota + 1
	KindNotification
	KindResponse
	KindError
)

// Message is one JSON-RPC 2.0 message: *Request, *Notification, *Response or *ErrorResponse.
// Dispatch code switches on Kind.
type Message interface {
	Kind() MessageKind
}

// RequestID identifies a request. It keeps the JSON form it arrived in, so a numeric id is
// echoed back as a number and a string id as a string. The zero value is the absent id and
// encodes as null.
type RequestID struct {
	raw string
}

// Request is a message that expects exactly one Response or ErrorResponse with the same ID.
type Request struct {
	ID     RequestID
	Method string
	Params json.RawMessage
}

// Notification is a one-way message; it never carries an id and is never answered.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Response is the successful answer to a Request.
type Response struct {
	ID     RequestID
	Result json.RawMessage
}

// ErrorResponse is the failed answer to a Request. ID is zero when the request could not be
// identified.
type ErrorResponse struct {
	ID    RequestID
	Error JSONRPCError
}

// Decoded is one element of an inbound payload: either a Message or the reason the element
// could not be turned into one.
type Decoded struct {
	Message Message
	Err     *ParseFailure
}

// ParseFailure describes a single element of a payload that could not be decoded. It does
// not abort sibling elements of the same batch.
type ParseFailure struct {
	// ID is set when the element carried a usable id.
	ID     RequestID
	Code   int
	Reason string
}

type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  json.RawMessage `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// NewRequestID returns a numeric id.
func NewRequestID(n int64) RequestID {
	return RequestID{raw: strconv.FormatInt(n, 10)}
}

// StringRequestID returns a string id.
func StringRequestID(s string) RequestID {
	bs, _ := json.Marshal(s)
	return RequestID{raw: string(bs)}
}

// IsZero reports whether the id is absent.
func (id RequestID) IsZero() bool { return id.raw == "" }

// String returns the id without JSON quoting, so a numeric 7 and a string "7" print alike.
func (id RequestID) String() string {
	if len(id.raw) > 0 && id.raw[0] == '"' {
		var s string
		if err := json.Unmarshal([]byte(id.raw), &s); err == nil {
			return s
		}
	}
	return id.raw
}

// MarshalJSON implements json.Marshaler.
func (id RequestID) MarshalJSON() ([]byte, error) {
	if id.raw == "" {
		return []byte("null"), nil
	}
	return []byte(id.raw), nil
}

// UnmarshalJSON implements json.Unmarshaler. Only strings, numbers and null are accepted.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = RequestID{}
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("invalid string id: %w", err)
		}
		*id = StringRequestID(s)
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("id must be a string or a number: %w", err)
		}
		*id = RequestID{raw: n.String()}
	}
	return nil
}

// Kind implements Message.
func (*Request) Kind() MessageKind { return KindRequest }

// Kind implements Message.
func (*Notification) Kind() MessageKind { return KindNotification }

// Kind implements Message.
func (*Response) Kind() MessageKind { return KindResponse }

// Kind implements Message.
func (*ErrorResponse) Kind() MessageKind { return KindError }

func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// NewRequest builds a Request, marshaling params unless they are already raw JSON.
func NewRequest(id RequestID, method string, params any) (*Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Request{ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a Notification, marshaling params unless they are already raw JSON.
func NewNotification(method string, params any) (*Notification, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Notification{Method: method, Params: raw}, nil
}

// NewResponse builds a Response. A nil or empty result becomes {}.
func NewResponse(id RequestID, result any) (*Response, error) {
	raw, err := marshalParams(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &Response{ID: id, Result: raw}, nil
}

// NewErrorResponse builds an ErrorResponse.
func NewErrorResponse(id RequestID, code int, message string) *ErrorResponse {
	return &ErrorResponse{ID: id, Error: JSONRPCError{Code: code, Message: message}}
}

// Meta returns the _meta object of the request params, or nil.
func (r *Request) Meta() map[string]any {
	var p struct {
		Meta map[string]any `json:"_meta"`
	}
	if len(r.Params) == 0 || json.Unmarshal(r.Params, &p) != nil {
		return nil
	}
	return p.Meta
}

// ProgressToken returns the _meta.progressToken of the request params.
func (r *Request) ProgressToken() (RequestID, bool) {
	var p struct {
		Meta struct {
			ProgressToken RequestID `json:"progressToken"`
		} `json:"_meta"`
	}
	if len(r.Params) == 0 || json.Unmarshal(r.Params, &p) != nil {
		return RequestID{}, false
	}
	return p.Meta.ProgressToken, !p.Meta.ProgressToken.IsZero()
}

// MarshalJSON implements json.Marshaler.
func (r *Request) MarshalJSON() ([]byte, error) {
	method, _ := json.Marshal(r.Method)
	return json.Marshal(wireMessage{
		JSONRPC: JSONRPCVersion,
		ID:      json.RawMessage(idOrNull(r.ID)),
		Method:  method,
		Params:  r.Params,
	})
}

// MarshalJSON implements json.Marshaler.
func (n *Notification) MarshalJSON() ([]byte, error) {
	method, _ := json.Marshal(n.Method)
	return json.Marshal(wireMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  n.Params,
	})
}

// MarshalJSON implements json.Marshaler. Results are always objects on the wire.
func (r *Response) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  json.RawMessage `json:"result"`
	}{
		JSONRPC: JSONRPCVersion,
		ID:      json.RawMessage(idOrNull(r.ID)),
		Result:  objectResult(r.Result),
	})
}

// MarshalJSON implements json.Marshaler. The id member is present even when null.
func (e *ErrorResponse) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Error   JSONRPCError    `json:"error"`
	}{
		JSONRPC: JSONRPCVersion,
		ID:      json.RawMessage(idOrNull(e.ID)),
		Error:   e.Error,
	})
}

func (f *ParseFailure) Error() string {
	return fmt.Sprintf("parse failure, code: %d, reason: %s", f.Code, f.Reason)
}

// Reply converts the failure into the wire error answering it.
func (f *ParseFailure) Reply() *ErrorResponse {
	return NewErrorResponse(f.ID, f.Code, f.Reason)
}

// Parse decodes an inbound payload. A payload whose first non-whitespace character is '['
// is a batch and yields one Decoded per element; anything else is a single message. The
// returned error is a *JSONRPCError and is set only when the payload as a whole is unusable.
func Parse(data []byte) ([]Decoded, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, &JSONRPCError{Code: CodeParseError, Message: "Parse error: empty payload"}
	}

	if trimmed[0] != '[' {
		if !json.Valid(trimmed) {
			return nil, &JSONRPCError{Code: CodeParseError, Message: "Parse error: invalid JSON"}
		}
		return []Decoded{decodeElement(trimmed)}, nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		return nil, &JSONRPCError{Code: CodeParseError, Message: "Parse error: invalid JSON"}
	}
	if len(elems) == 0 {
		return nil, &JSONRPCError{Code: CodeInvalidRequest, Message: "Invalid Request: empty batch"}
	}
	res := make([]Decoded, 0, len(elems))
	for _, elem := range elems {
		res = append(res, decodeElement(elem))
	}
	return res, nil
}

// Encode serializes outbound messages: one message as an object, several as an array.
func Encode(msgs ...Message) ([]byte, error) {
	switch len(msgs) {
	case 0:
		return nil, nil
	case 1:
		return json.Marshal(msgs[0])
	default:
		return json.Marshal(msgs)
	}
}

func decodeElement(raw json.RawMessage) Decoded {
	var wm wireMessage
	if err := json.Unmarshal(raw, &wm); err != nil {
		return failure(RequestID{}, CodeParseError, "Parse error: message must be a JSON object")
	}

	var id RequestID
	if err := id.UnmarshalJSON(wm.ID); err != nil {
		return failure(RequestID{}, CodeInvalidRequest, "Invalid Request: "+err.Error())
	}

	if len(wm.Method) == 0 {
		switch {
		case wm.Error != nil && len(wm.ID) > 0:
			return Decoded{Message: &ErrorResponse{ID: id, Error: *wm.Error}}
		case len(wm.Result) > 0 && !id.IsZero():
			return Decoded{Message: &Response{ID: id, Result: wm.Result}}
		}
		return failure(id, CodeParseError, `Invalid JSON-RPC message, missing valid "method"`)
	}

	var method string
	if err := json.Unmarshal(wm.Method, &method); err != nil || method == "" {
		return failure(id, CodeParseError, `Invalid JSON-RPC message, missing valid "method"`)
	}
	if wm.JSONRPC != JSONRPCVersion {
		return failure(id, CodeInvalidRequest, `Invalid Request: "jsonrpc" must be "2.0"`)
	}

	kind, ok := LookupMethod(method)
	if !ok {
		return failure(id, CodeMethodNotFound, fmt.Sprintf("Method not found: %s", method))
	}

	switch kind {
	case KindRequest:
		if id.IsZero() {
			return failure(id, CodeInvalidRequest, fmt.Sprintf("Invalid Request: %s requires an id", method))
		}
		return Decoded{Message: &Request{ID: id, Method: method, Params: wm.Params}}
	default:
		if !id.IsZero() {
			return failure(id, CodeInvalidRequest, fmt.Sprintf("Invalid Request: %s must not carry an id", method))
		}
		return Decoded{Message: &Notification{Method: method, Params: wm.Params}}
	}
}

func failure(id RequestID, code int, reason string) Decoded {
	return Decoded{Err: &ParseFailure{ID: id, Code: code, Reason: reason}}
}

func idOrNull(id RequestID) string {
	if id.IsZero() {
		return "null"
	}
	return id.raw
}

func marshalParams(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	return json.Marshal(v)
}

func objectResult(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("[]")) {
		return json.RawMessage("{}")
	}
	return raw
}

// withMeta merges attrs into the _meta object of params. Existing _meta keys are replaced.
func withMeta(params json.RawMessage, attrs map[string]any) (json.RawMessage, error) {
	if len(attrs) == 0 {
		return params, nil
	}
	fields := make(map[string]json.RawMessage)
	if len(bytes.TrimSpace(params)) > 0 {
		if err := json.Unmarshal(params, &fields); err != nil {
			return nil, fmt.Errorf("params must be an object: %w", err)
		}
	}
	meta := make(map[string]any)
	if raw, ok := fields["_meta"]; ok {
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("_meta must be an object: %w", err)
		}
	}
	for k, v := range attrs {
		meta[k] = v
	}
	metaBs, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	fields["_meta"] = metaBs
	return json.Marshal(fields)
}
