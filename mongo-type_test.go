package mongo

import (
	"encoding/json"
	"testing"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zishang520/socket.io/adapters/adapter/v3"
	"github.com/zishang520/socket.io/servers/socket/v3"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// rawValue builds a bson.RawValue from a Go value, the way the driver would
// produce it when decoding a stored document.
func rawValue(t *testing.T, value any) bson.RawValue {
	t.Helper()

	doc, err := bson.Marshal(bson.M{"data": value})
	if err != nil {
		t.Fatalf("Failed to marshal value: %v", err)
	}
	return bson.Raw(doc).Lookup("data")
}

func TestEncodeMessage(t *testing.T) {
	t.Run("encode message without data", func(t *testing.T) {
		doc, err := EncodeMessage(&adapter.ClusterResponse{
			Uid:  "server-1",
			Nsp:  "/",
			Type: adapter.INITIAL_HEARTBEAT,
			Data: nil,
		})
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		if doc["uid"] != adapter.ServerId("server-1") {
			t.Errorf("Expected uid 'server-1', got %v", doc["uid"])
		}
		if doc["nsp"] != "/" {
			t.Errorf("Expected nsp '/', got %v", doc["nsp"])
		}
		if doc["type"] != int64(adapter.INITIAL_HEARTBEAT) {
			t.Errorf("Expected type %d, got %v", adapter.INITIAL_HEARTBEAT, doc["type"])
		}
		if _, ok := doc["data"]; ok {
			t.Errorf("Expected no data field, got %v", doc["data"])
		}
	})

	t.Run("encode JSON data", func(t *testing.T) {
		doc, err := EncodeMessage(&adapter.ClusterResponse{
			Uid:  "server-1",
			Nsp:  "/test",
			Type: adapter.FETCH_SOCKETS,
			Data: &adapter.FetchSocketsMessage{
				RequestId: "req-1",
				Opts: &adapter.PacketOptions{
					Rooms: []socket.Room{"room1"},
				},
			},
		})
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		data, ok := doc["data"].(string)
		if !ok {
			t.Fatalf("Expected string data, got %T", doc["data"])
		}
		if data[0] != '{' {
			t.Error("Expected JSON format (starting with '{')")
		}
	})

	t.Run("encode binary data", func(t *testing.T) {
		doc, err := EncodeMessage(&adapter.ClusterResponse{
			Uid:  "server-1",
			Nsp:  "/",
			Type: adapter.SERVER_SIDE_EMIT,
			Data: []any{"event", []byte{0x01, 0x02, 0x03}},
		})
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		if _, ok := doc["data"].(bson.Binary); !ok {
			t.Fatalf("Expected bson.Binary data, got %T", doc["data"])
		}
	})
}

func TestRawClusterMessage_Decode(t *testing.T) {
	t.Run("JSON data", func(t *testing.T) {
		rawMsg := &RawClusterMessage{
			Uid:  "server-1",
			Nsp:  "/",
			Type: adapter.FETCH_SOCKETS,
			Data: rawValue(t, `{"requestId":"req-1"}`),
		}

		result, err := rawMsg.Decode()
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		if result.Uid != "server-1" {
			t.Errorf("Expected uid 'server-1', got %q", result.Uid)
		}
		if result.Nsp != "/" {
			t.Errorf("Expected nsp '/', got %q", result.Nsp)
		}
		msg, ok := result.Data.(*adapter.FetchSocketsMessage)
		if !ok {
			t.Fatalf("Expected *FetchSocketsMessage, got %T", result.Data)
		}
		if msg.RequestId != "req-1" {
			t.Errorf("Expected RequestId 'req-1', got %q", msg.RequestId)
		}
	})

	t.Run("MessagePack data", func(t *testing.T) {
		encoded, err := msgpack.Marshal(&adapter.FetchSocketsMessage{
			RequestId: "msgpack-req",
			Opts:      &adapter.PacketOptions{},
		})
		if err != nil {
			t.Fatalf("Failed to marshal test data: %v", err)
		}

		rawMsg := &RawClusterMessage{
			Uid:  "server-2",
			Nsp:  "/chat",
			Type: adapter.FETCH_SOCKETS,
			Data: rawValue(t, bson.Binary{Subtype: 0x00, Data: encoded}),
		}

		result, err := rawMsg.Decode()
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		msg, ok := result.Data.(*adapter.FetchSocketsMessage)
		if !ok {
			t.Fatalf("Expected *FetchSocketsMessage, got %T", result.Data)
		}
		if msg.RequestId != "msgpack-req" {
			t.Errorf("Expected RequestId 'msgpack-req', got %q", msg.RequestId)
		}
	})

	t.Run("no data", func(t *testing.T) {
		rawMsg := &RawClusterMessage{
			Uid:  "server-1",
			Nsp:  "/",
			Type: adapter.HEARTBEAT,
		}

		result, err := rawMsg.Decode()
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if result.Data != nil {
			t.Errorf("Expected nil data, got %v", result.Data)
		}
	})

	t.Run("empty string data", func(t *testing.T) {
		rawMsg := &RawClusterMessage{
			Uid:  "server-1",
			Nsp:  "/",
			Type: adapter.BROADCAST,
			Data: rawValue(t, ""),
		}

		result, err := rawMsg.Decode()
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if result.Data != nil {
			t.Errorf("Expected nil data, got %v", result.Data)
		}
	})

	t.Run("unknown message type", func(t *testing.T) {
		rawMsg := &RawClusterMessage{
			Uid:  "server-1",
			Nsp:  "/",
			Type: adapter.MessageType(999),
			Data: rawValue(t, `{}`),
		}

		if _, err := rawMsg.Decode(); err == nil {
			t.Error("Expected error for unknown message type")
		}
	})

	t.Run("session document", func(t *testing.T) {
		rawMsg := &RawClusterMessage{
			Uid:  "server-1",
			Type: SESSION,
			Data: rawValue(t, `{}`),
		}

		if _, err := rawMsg.Decode(); err == nil {
			t.Error("Expected error for session document")
		}
	})

	t.Run("malformed JSON data", func(t *testing.T) {
		rawMsg := &RawClusterMessage{
			Uid:  "server-1",
			Nsp:  "/",
			Type: adapter.FETCH_SOCKETS,
			Data: rawValue(t, `{not json`),
		}

		if _, err := rawMsg.Decode(); err == nil {
			t.Error("Expected error for malformed JSON data")
		}
	})
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	t.Run("broadcast message", func(t *testing.T) {
		message := &adapter.ClusterMessage{
			Uid:  "server-1",
			Nsp:  "/",
			Type: adapter.BROADCAST,
			Data: &adapter.BroadcastMessage{
				Opts: &adapter.PacketOptions{
					Rooms:  []socket.Room{"room1", "room2"},
					Except: []socket.Room{"room3"},
				},
			},
		}

		doc, err := EncodeMessage(message)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		rawMsg := &RawClusterMessage{
			Uid:  message.Uid,
			Nsp:  message.Nsp,
			Type: message.Type,
			Data: rawValue(t, doc["data"]),
		}

		result, err := rawMsg.Decode()
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		data, ok := result.Data.(*adapter.BroadcastMessage)
		if !ok {
			t.Fatalf("Expected *BroadcastMessage, got %T", result.Data)
		}
		if len(data.Opts.Rooms) != 2 || data.Opts.Rooms[0] != "room1" || data.Opts.Rooms[1] != "room2" {
			t.Errorf("Rooms mismatch after round trip: %v", data.Opts.Rooms)
		}
		if len(data.Opts.Except) != 1 || data.Opts.Except[0] != "room3" {
			t.Errorf("Except mismatch after round trip: %v", data.Opts.Except)
		}
	})

	t.Run("all-rooms request and response", func(t *testing.T) {
		doc, err := EncodeMessage(&adapter.ClusterMessage{
			Uid:  "server-1",
			Nsp:  "/",
			Type: ALL_ROOMS,
			Data: &AllRoomsMessage{RequestId: "req-7"},
		})
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		rawMsg := &RawClusterMessage{
			Uid:  "server-1",
			Nsp:  "/",
			Type: ALL_ROOMS,
			Data: rawValue(t, doc["data"]),
		}
		result, err := rawMsg.Decode()
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		request, ok := result.Data.(*AllRoomsMessage)
		if !ok {
			t.Fatalf("Expected *AllRoomsMessage, got %T", result.Data)
		}
		if request.RequestId != "req-7" {
			t.Errorf("Expected RequestId 'req-7', got %q", request.RequestId)
		}

		response, err := json.Marshal(&AllRoomsResponse{
			RequestId: "req-7",
			Rooms:     []socket.Room{"room1"},
		})
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		rawMsg = &RawClusterMessage{
			Uid:  "server-2",
			Nsp:  "/",
			Type: ALL_ROOMS_RESPONSE,
			Data: rawValue(t, string(response)),
		}
		result, err = rawMsg.Decode()
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		decoded, ok := result.Data.(*AllRoomsResponse)
		if !ok {
			t.Fatalf("Expected *AllRoomsResponse, got %T", result.Data)
		}
		if len(decoded.Rooms) != 1 || decoded.Rooms[0] != "room1" {
			t.Errorf("Rooms mismatch after round trip: %v", decoded.Rooms)
		}
	})
}

func TestSessionDocument(t *testing.T) {
	doc, err := bson.Marshal(bson.M{
		"type": int64(SESSION),
		"pid":  "pid-1",
		"data": bson.Binary{Subtype: 0x00, Data: []byte{0x01, 0x02}},
	})
	if err != nil {
		t.Fatalf("Failed to marshal session document: %v", err)
	}

	var session SessionDocument
	if err := bson.Unmarshal(doc, &session); err != nil {
		t.Fatalf("Failed to unmarshal session document: %v", err)
	}

	if session.Type != SESSION {
		t.Errorf("Expected SESSION type, got %v", session.Type)
	}
	if session.Pid != "pid-1" {
		t.Errorf("Expected pid 'pid-1', got %q", session.Pid)
	}
	if len(session.Data) != 2 {
		t.Errorf("Expected 2 bytes of data, got %d", len(session.Data))
	}
}

func TestMessageTypeConstants(t *testing.T) {
	if ALL_ROOMS <= adapter.ADAPTER_CLOSE {
		t.Error("Expected ALL_ROOMS to not collide with core message types")
	}
	if ALL_ROOMS_RESPONSE != ALL_ROOMS+1 {
		t.Error("Expected ALL_ROOMS_RESPONSE to follow ALL_ROOMS")
	}
	if SESSION != ALL_ROOMS+2 {
		t.Error("Expected SESSION to follow ALL_ROOMS_RESPONSE")
	}
}
