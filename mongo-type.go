// Package mongo provides MongoDB-based adapter types and the document codec for
// Socket.IO clustering. These types define the document structure used for
// inter-node communication via a shared capped collection.
package mongo

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zishang520/socket.io/adapters/adapter/v3"
	"github.com/zishang520/socket.io/parsers/socket/v3/parser"
	"github.com/zishang520/socket.io/servers/socket/v3"
	"github.com/zishang520/socket.io/v3/pkg/utils"
	"go.mongodb.org/mongo-driver/v2/bson"
)

type (
	// RawClusterMessage is the stored form of a cluster message, one document of
	// the shared capped collection. The document `_id` doubles as the message
	// offset for the connection state recovery feature.
	RawClusterMessage struct {
		Id        bson.ObjectID       `bson:"_id,omitempty"`
		Uid       adapter.ServerId    `bson:"uid,omitempty"`
		Nsp       string              `bson:"nsp,omitempty"`
		Type      adapter.MessageType `bson:"type"`
		Data      bson.RawValue       `bson:"data,omitempty"`
		CreatedAt time.Time           `bson:"createdAt,omitempty"`
	}

	// AllRoomsMessage is a request for the rooms known to the other nodes.
	AllRoomsMessage struct {
		RequestId string `json:"requestId,omitempty" msgpack:"requestId,omitempty"`
	}

	// AllRoomsResponse carries the rooms of a single node.
	AllRoomsResponse struct {
		RequestId string        `json:"requestId,omitempty" msgpack:"requestId,omitempty"`
		Rooms     []socket.Room `json:"rooms,omitempty" msgpack:"rooms,omitempty"`
	}

	// SessionDocument is the stored form of a client session, written by
	// PersistSession and consumed once by RestoreSession. The pid is kept as a
	// top-level field so the document can be addressed by query; the session
	// itself is an opaque MessagePack payload (sessions may contain binary
	// handshake data).
	SessionDocument struct {
		Id        bson.ObjectID           `bson:"_id,omitempty"`
		Type      adapter.MessageType     `bson:"type"`
		Pid       socket.PrivateSessionId `bson:"pid"`
		Data      []byte                  `bson:"data"`
		CreatedAt time.Time               `bson:"createdAt,omitempty"`
	}
)

// ErrSessionDocument indicates an attempt to decode a session document as a cluster message.
var ErrSessionDocument = errors.New("session documents are not cluster messages")

// EncodeMessage converts a ClusterMessage into a BSON document ready for insertion
// into the shared collection. Payloads that may contain binary are encoded with
// MessagePack and stored as BSON binary, other payloads as a JSON string.
func EncodeMessage(message *adapter.ClusterResponse) (bson.M, error) {
	doc := bson.M{
		"uid":  message.Uid,
		"nsp":  message.Nsp,
		"type": int64(message.Type),
	}

	if message.Data == nil {
		return doc, nil
	}

	// Determine if the message type may contain binary data
	mayContainBinary := message.Type == adapter.BROADCAST ||
		message.Type == adapter.FETCH_SOCKETS_RESPONSE ||
		message.Type == adapter.SERVER_SIDE_EMIT ||
		message.Type == adapter.SERVER_SIDE_EMIT_RESPONSE ||
		message.Type == adapter.BROADCAST_ACK

	// Use MessagePack for binary data, JSON for text data
	if mayContainBinary && parser.HasBinary(message.Data) {
		data, err := utils.MsgPack().Encode(message.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode message data: %w", err)
		}
		doc["data"] = bson.Binary{Subtype: 0x00, Data: data}
	} else {
		data, err := json.Marshal(message.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
		doc["data"] = string(data)
	}

	return doc, nil
}

// Decode converts a stored document back into a typed ClusterMessage.
// It handles both JSON string and MessagePack binary payloads.
func (r *RawClusterMessage) Decode() (*adapter.ClusterMessage, error) {
	message := &adapter.ClusterMessage{
		Uid:  r.Uid,
		Nsp:  r.Nsp,
		Type: r.Type,
	}

	// Detect the payload format by BSON type
	var rawData any
	switch r.Data.Type {
	case bson.TypeString:
		data, _ := r.Data.StringValueOK()
		if data == "" {
			return message, nil
		}
		rawData = json.RawMessage(data)
	case bson.TypeBinary:
		_, data, _ := r.Data.BinaryOK()
		rawData = msgpack.RawMessage(data)
	default:
		// No payload for this message
		return message, nil
	}

	var err error
	message.Data, err = decodeData(message.Type, rawData)
	if err != nil {
		return nil, err
	}

	return message, nil
}

// decodeData deserializes the message payload based on the message type and format.
// It allocates the appropriate struct type and unmarshals the data into it.
func decodeData(messageType adapter.MessageType, rawData any) (any, error) {
	// Allocate the appropriate target struct based on message type
	var target any
	switch messageType {
	case adapter.INITIAL_HEARTBEAT, adapter.HEARTBEAT, adapter.ADAPTER_CLOSE:
		// These message types have no data payload
		return nil, nil
	case adapter.BROADCAST:
		target = &adapter.BroadcastMessage{}
	case adapter.SOCKETS_JOIN, adapter.SOCKETS_LEAVE:
		target = &adapter.SocketsJoinLeaveMessage{}
	case adapter.DISCONNECT_SOCKETS:
		target = &adapter.DisconnectSocketsMessage{}
	case adapter.FETCH_SOCKETS:
		target = &adapter.FetchSocketsMessage{}
	case adapter.FETCH_SOCKETS_RESPONSE:
		target = &adapter.FetchSocketsResponse{}
	case adapter.SERVER_SIDE_EMIT:
		target = &adapter.ServerSideEmitMessage{}
	case adapter.SERVER_SIDE_EMIT_RESPONSE:
		target = &adapter.ServerSideEmitResponse{}
	case adapter.BROADCAST_CLIENT_COUNT:
		target = &adapter.BroadcastClientCount{}
	case adapter.BROADCAST_ACK:
		target = &adapter.BroadcastAck{}
	case ALL_ROOMS:
		target = &AllRoomsMessage{}
	case ALL_ROOMS_RESPONSE:
		target = &AllRoomsResponse{}
	case SESSION:
		return nil, ErrSessionDocument
	default:
		return nil, fmt.Errorf("unknown message type: %v", messageType)
	}

	// Unmarshal the data based on its format
	switch raw := rawData.(type) {
	case json.RawMessage:
		if err := json.Unmarshal(raw, &target); err != nil {
			return nil, fmt.Errorf("failed to unmarshal JSON data: %w", err)
		}
	case msgpack.RawMessage:
		if err := utils.MsgPack().Decode(raw, &target); err != nil {
			return nil, fmt.Errorf("failed to decode MessagePack data: %w", err)
		}
	default:
		return nil, errors.New("unsupported data format: expected JSON or MessagePack")
	}

	return target, nil
}
