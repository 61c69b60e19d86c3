package gqlink

import (
	"encoding/json"
	"fmt"
)

// WebSocketProtocol names a GraphQL over WebSocket sub-protocol.
type WebSocketProtocol string

const (
	// ProtocolGraphQLWS is the legacy subscriptions-transport-ws protocol.
	ProtocolGraphQLWS WebSocketProtocol = "graphql-ws"
	// ProtocolGraphQLTransportWS is the graphql-ws library protocol.
	ProtocolGraphQLTransportWS WebSocketProtocol = "graphql-transport-ws"
)

// Message types shared by both protocols.
const (
	msgConnectionInit = "connection_init"
	msgConnectionAck  = "connection_ack"
	msgError          = "error"
	msgComplete       = "complete"
)

// graphql-ws (legacy) message types.
const (
	msgStart           = "start"
	msgData            = "data"
	msgStop            = "stop"
	msgKeepAlive       = "ka"
	msgConnectionError = "connection_error"
	msgTerminate       = "connection_terminate"
)

// graphql-transport-ws message types.
const (
	msgSubscribe = "subscribe"
	msgNext      = "next"
	msgPing      = "ping"
	msgPong      = "pong"
)

// ParseWebSocketProtocol validates a protocol name.
func ParseWebSocketProtocol(s string) (WebSocketProtocol, error) {
	p := WebSocketProtocol(s)
	if !p.valid() {
		return "", fmt.Errorf("unknown websocket protocol %q", s)
	}
	return p, nil
}

func (p WebSocketProtocol) valid() bool {
	return p == ProtocolGraphQLWS || p == ProtocolGraphQLTransportWS
}

func (p WebSocketProtocol) startType() string {
	if p == ProtocolGraphQLTransportWS {
		return msgSubscribe
	}
	return msgStart
}

func (p WebSocketProtocol) stopType() string {
	if p == ProtocolGraphQLTransportWS {
		return msgComplete
	}
	return msgStop
}

func (p WebSocketProtocol) isData(msgType string) bool {
	if p == ProtocolGraphQLTransportWS {
		return msgType == msgNext
	}
	return msgType == msgData
}

// wsFrame is one protocol message.
type wsFrame struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func newFrame(id, msgType string, payload interface{}) (wsFrame, error) {
	frame := wsFrame{ID: id, Type: msgType}
	if payload == nil {
		return frame, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return frame, err
	}
	frame.Payload = raw
	return frame, nil
}

// frameError turns an error or connection_error payload into an error.
// graphql-transport-ws sends a list of GraphQL errors, the legacy protocol
// a single object.
func frameError(payload json.RawMessage) error {
	if len(payload) == 0 {
		return GraphQLErrors{{Message: "unknown subscription error"}}
	}
	var list GraphQLErrors
	if err := json.Unmarshal(payload, &list); err == nil && len(list) > 0 {
		return list
	}
	var single GraphQLError
	if err := json.Unmarshal(payload, &single); err == nil && single.Message != "" {
		return GraphQLErrors{single}
	}
	return GraphQLErrors{{Message: string(payload)}}
}
