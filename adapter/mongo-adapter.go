// Package adapter implements a MongoDB-based adapter for Socket.IO clustering.
// All servers of the cluster share one capped collection: messages published by
// one node are read back by the others through a tailable cursor, and the
// monotone document ids double as offsets for session recovery across server
// restarts.
package adapter

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/zishang520/socket.io/adapters/adapter/v3"
	"github.com/zishang520/socket.io/adapters/mongo/v3"
	"github.com/zishang520/socket.io/parsers/socket/v3/parser"
	"github.com/zishang520/socket.io/servers/socket/v3"
	"github.com/zishang520/socket.io/v3/pkg/log"
	"github.com/zishang520/socket.io/v3/pkg/types"
	"github.com/zishang520/socket.io/v3/pkg/utils"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodb "go.mongodb.org/mongo-driver/v2/mongo"
	moptions "go.mongodb.org/mongo-driver/v2/mongo/options"
)

var mongoLog = log.NewLog("socket.io-mongo")

// Errors returned by RestoreSession when a session cannot be recovered.
// The host framework treats any error as a recovery refusal and proceeds
// with a fresh connection.
var (
	// ErrInvalidOffset indicates an offset that does not parse as a document id.
	ErrInvalidOffset = errors.New("invalid offset format")

	// ErrSessionNotFound indicates an unknown or already consumed private session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrOffsetNotFound indicates an offset that has fallen out of the capped window.
	ErrOffsetNotFound = errors.New("offset not found in collection")
)

// Configuration constants for the MongoDB adapter.
const (
	// tailAwaitTimeout is the maximum time a tailing cursor blocks waiting for new documents.
	tailAwaitTimeout = 5_000 * time.Millisecond

	// seenCacheSize bounds the cache of recently processed document ids.
	seenCacheSize = 512

	// defaultHeartbeatInterval is the default interval between heartbeats.
	defaultHeartbeatInterval = 5_000 * time.Millisecond

	// defaultHeartbeatTimeout is the number of ms without heartbeat before a node is considered down.
	defaultHeartbeatTimeout int64 = 10_000
)

// MongoAdapterBuilder creates MongoDB adapters for Socket.IO namespaces.
// It manages the shared tailing loop across all namespace adapters.
type MongoAdapterBuilder struct {
	// Mongo is the MongoDB client used for collection operations.
	Mongo *mongo.MongoClient
	// Opts contains configuration options for the adapter.
	Opts MongoAdapterOptionsInterface

	namespaceToAdapters types.Map[string, MongoAdapter]
	offset              types.Atomic[string] // Hex form of the last processed document id
	tailing             atomic.Bool          // Indicates if the tailing loop is active
	shouldClose         atomic.Bool          // Signals the tailing loop to stop
}

// New creates a new MongoDB adapter for the given namespace.
// This method implements the socket.AdapterBuilder interface.
func (mb *MongoAdapterBuilder) New(nsp socket.Namespace) socket.Adapter {
	options := DefaultMongoAdapterOptions().Assign(mb.Opts)

	// Apply default values
	if options.GetRawHeartbeatInterval() == nil {
		options.SetHeartbeatInterval(defaultHeartbeatInterval)
	}
	if options.GetRawHeartbeatTimeout() == nil {
		options.SetHeartbeatTimeout(defaultHeartbeatTimeout)
	}
	if options.GetRawRequestsTimeout() == nil {
		options.SetRequestsTimeout(DefaultRequestsTimeout)
	}

	adapterInstance := NewMongoAdapter(nsp, mb.Mongo, options)
	mb.namespaceToAdapters.Store(nsp.Name(), adapterInstance)

	// Start the tailing loop if not already running
	if mb.tailing.CompareAndSwap(false, true) {
		mb.shouldClose.Store(false)
		go mb.tail()
	}

	// Register cleanup callback
	adapterInstance.Cleanup(func() {
		mb.namespaceToAdapters.Delete(nsp.Name())
		if mb.namespaceToAdapters.Len() == 0 {
			mb.shouldClose.Store(true)
		}
	})

	return adapterInstance
}

// tail continuously reads documents from the shared collection and dispatches
// them to the appropriate adapter. A dead cursor is recreated from the last
// processed document id with exponential backoff; the loop only exits once
// every namespace adapter has been closed.
func (mb *MongoAdapterBuilder) tail() {
	backoff := utils.NewBackoff(utils.WithMin(100), utils.WithMax(10_000), utils.WithJitter(0.5))
	seen := newSeenIds(seenCacheSize)

	for {
		// Check termination conditions
		if mb.shouldClose.Load() || mb.namespaceToAdapters.Len() == 0 {
			mb.tailing.Store(false)
			return
		}

		cursor, err := mb.openCursor()
		if err != nil {
			mongoLog.Debug("error opening tailing cursor: %s", err.Error())
			time.Sleep(time.Duration(backoff.Duration()) * time.Millisecond)
			continue
		}

		mb.consume(cursor, seen, backoff)
		cursor.Close(mb.Mongo.Context)

		// The cursor died; wait before recreating it so a dead collection does
		// not turn the loop into a busy spin
		if !mb.shouldClose.Load() {
			time.Sleep(time.Duration(backoff.Duration()) * time.Millisecond)
		}
	}
}

// openCursor creates a tailable cursor over the capped collection, resuming
// after the last processed document. On first open the cursor starts at the
// current tail of the collection.
func (mb *MongoAdapterBuilder) openCursor() (*mongodb.Cursor, error) {
	filter := bson.M{}

	if offset := mb.offset.Load(); offset != "" {
		if offsetId, err := bson.ObjectIDFromHex(offset); err == nil {
			filter["_id"] = bson.M{"$gt": offsetId}
		}
	} else {
		var latest mongo.RawClusterMessage
		err := mb.Mongo.Collection.FindOne(
			mb.Mongo.Context,
			bson.M{},
			moptions.FindOne().SetSort(bson.D{{Key: "_id", Value: -1}}),
		).Decode(&latest)
		if err == nil {
			filter["_id"] = bson.M{"$gt": latest.Id}
			mb.offset.Store(latest.Id.Hex())
		} else if !errors.Is(err, mongodb.ErrNoDocuments) {
			return nil, err
		}
	}

	return mb.Mongo.Collection.Find(
		mb.Mongo.Context,
		filter,
		moptions.Find().SetCursorType(moptions.TailableAwait).SetMaxAwaitTime(tailAwaitTimeout),
	)
}

// consume drains the given cursor until it dies or the builder is closed.
func (mb *MongoAdapterBuilder) consume(cursor *mongodb.Cursor, seen *seenIds, backoff *utils.Backoff) {
	for !mb.shouldClose.Load() && mb.namespaceToAdapters.Len() > 0 {
		if cursor.TryNext(mb.Mongo.Context) {
			backoff.Reset()

			var rawMessage mongo.RawClusterMessage
			if err := cursor.Decode(&rawMessage); err != nil {
				mongoLog.Debug("skipping malformed document: %s", err.Error())
				continue
			}
			mb.dispatch(&rawMessage, seen)
			continue
		}

		if err := cursor.Err(); err != nil {
			mongoLog.Debug("error reading from collection: %s", err.Error())
			return
		}
		if cursor.ID() == 0 {
			// The cursor died, e.g. because the tail of the capped collection
			// was overwritten; it must be recreated
			return
		}
	}
}

// dispatch hands a single document to the adapter of its namespace.
func (mb *MongoAdapterBuilder) dispatch(rawMessage *mongo.RawClusterMessage, seen *seenIds) {
	offset := rawMessage.Id.Hex()
	if seen.has(offset) {
		mongoLog.Debug("ignoring already processed document %s", offset)
		return
	}
	seen.add(offset)
	mb.offset.Store(offset)

	if rawMessage.Type == mongo.SESSION {
		// Session documents are state, not cluster events
		return
	}

	mongoLog.Debug("processing document %s", offset)

	if nsp := rawMessage.Nsp; nsp != "" {
		if adapterInstance, ok := mb.namespaceToAdapters.Load(nsp); ok {
			if err := adapterInstance.OnRawMessage(rawMessage, offset); err != nil {
				mongoLog.Debug("error processing document: %s", err.Error())
			}
		}
	}
}

// seenIds is a bounded set of recently processed document ids, guarding against
// duplicate dispatch when the tailing cursor is recreated over the tail of the
// collection. It is only touched by the tailing goroutine.
type seenIds struct {
	capacity int
	order    []string
	index    map[string]struct{}
}

func newSeenIds(capacity int) *seenIds {
	return &seenIds{
		capacity: capacity,
		index:    make(map[string]struct{}, capacity),
	}
}

func (s *seenIds) has(id string) bool {
	_, ok := s.index[id]
	return ok
}

func (s *seenIds) add(id string) {
	if s.has(id) {
		return
	}
	if len(s.order) >= s.capacity {
		delete(s.index, s.order[0])
		s.order = s.order[1:]
	}
	s.order = append(s.order, id)
	s.index[id] = struct{}{}
}

// mongoAdapter implements the MongoAdapter interface over a shared capped
// collection. Message persistence in the collection enables session recovery
// across server restarts.
type mongoAdapter struct {
	adapter.ClusterAdapterWithHeartbeat

	mongoClient *mongo.MongoClient
	opts        *MongoAdapterOptions

	requestsTimeout time.Duration
	requests        *types.Map[string, *MongoRequest]
	cleanupFunc     types.Callable // Cleanup callback for resource management
}

// MakeMongoAdapter creates a new uninitialized mongoAdapter.
// Call Construct() to complete initialization before use.
func MakeMongoAdapter() MongoAdapter {
	a := &mongoAdapter{
		ClusterAdapterWithHeartbeat: adapter.MakeClusterAdapterWithHeartbeat(),

		opts:            DefaultMongoAdapterOptions(),
		requestsTimeout: DefaultRequestsTimeout,
		requests:        &types.Map[string, *MongoRequest]{},
	}

	a.Prototype(a)

	return a
}

// NewMongoAdapter creates and initializes a new MongoDB adapter.
// This is the preferred way to create an adapter instance.
func NewMongoAdapter(nsp socket.Namespace, client *mongo.MongoClient, opts any) MongoAdapter {
	a := MakeMongoAdapter()

	a.SetMongo(client)
	a.SetOpts(opts)
	a.Construct(nsp)

	return a
}

// SetMongo sets the MongoDB client for collection operations.
func (m *mongoAdapter) SetMongo(client *mongo.MongoClient) {
	m.mongoClient = client
}

// SetOpts sets the configuration options for the adapter.
// Options are merged with the parent ClusterAdapterWithHeartbeat options.
func (m *mongoAdapter) SetOpts(opts any) {
	m.ClusterAdapterWithHeartbeat.SetOpts(opts)

	if options, ok := opts.(MongoAdapterOptionsInterface); ok {
		m.opts.Assign(options)
	}
}

// Construct initializes the adapter for the given namespace.
// This method must be called before using the adapter.
func (m *mongoAdapter) Construct(nsp socket.Namespace) {
	m.ClusterAdapterWithHeartbeat.Construct(nsp)

	if m.opts.GetRawRequestsTimeout() != nil {
		m.requestsTimeout = m.opts.RequestsTimeout()
	}

	m.Init()
}

// DoPublish publishes a cluster message to the shared collection.
// Returns the inserted document id as the offset for connection state recovery.
func (m *mongoAdapter) DoPublish(message *adapter.ClusterMessage) (adapter.Offset, error) {
	mongoLog.Debug("publishing message: %+v", message)

	doc, err := mongo.EncodeMessage(message)
	if err != nil {
		return "", err
	}
	if m.opts.AddCreatedAtField() {
		doc["createdAt"] = time.Now()
	}

	result, err := m.mongoClient.Collection.InsertOne(m.mongoClient.Context, doc)
	if err != nil {
		return "", err
	}

	if offsetId, ok := result.InsertedID.(bson.ObjectID); ok {
		return adapter.Offset(offsetId.Hex()), nil
	}
	return "", nil
}

// DoPublishResponse publishes a response message to the shared collection.
// Responses go through the same collection; the requester filters them by
// request id.
func (m *mongoAdapter) DoPublishResponse(requesterUid adapter.ServerId, response *adapter.ClusterResponse) error {
	_, err := m.DoPublish(response)
	return err
}

// Broadcast publishes the packet to the other nodes and delivers it to the
// matching local clients. Remote fan-out is best effort: local delivery still
// happens when the insert fails.
func (m *mongoAdapter) Broadcast(packet *parser.Packet, opts *socket.BroadcastOptions) {
	onlyLocal := opts != nil && opts.Flags != nil && opts.Flags.Local

	if !onlyLocal {
		offset, err := m.PublishAndReturnOffset(&adapter.ClusterMessage{
			Type: adapter.BROADCAST,
			Data: &adapter.BroadcastMessage{
				Packet: packet,
				Opts:   adapter.EncodeOptions(opts),
			},
		})
		if err != nil {
			mongoLog.Debug("[%s] error while broadcasting message: %s", m.Uid(), err.Error())
		} else {
			m.addOffsetIfNecessary(packet, opts, offset)
		}
	}

	m.ClusterAdapterWithHeartbeat.Broadcast(packet, localOnly(opts))
}

// localOnly copies the broadcast options with the local flag set, so the parent
// adapter skips publishing and only delivers to local clients.
func localOnly(opts *socket.BroadcastOptions) *socket.BroadcastOptions {
	local := &socket.BroadcastOptions{
		Rooms:  types.NewSet[socket.Room](),
		Except: types.NewSet[socket.Room](),
	}
	flags := socket.BroadcastFlags{}
	if opts != nil {
		if opts.Rooms != nil {
			local.Rooms = opts.Rooms
		}
		if opts.Except != nil {
			local.Except = opts.Except
		}
		if opts.Flags != nil {
			flags = *opts.Flags
		}
	}
	flags.Local = true
	local.Flags = &flags
	return local
}

// addOffsetIfNecessary appends the offset at the end of the data array in order
// to allow the client to receive any missed packets when it reconnects after a
// temporary disconnection.
func (m *mongoAdapter) addOffsetIfNecessary(packet *parser.Packet, opts *socket.BroadcastOptions, offset adapter.Offset) {
	if m.Nsp().Server().Opts().ConnectionStateRecovery() == nil {
		return
	}

	isEventPacket := packet.Type == parser.EVENT
	// packets with acknowledgement are not stored because the acknowledgement
	// function cannot be serialized and restored on another server upon reconnection
	withoutAcknowledgement := packet.Id == nil
	notVolatile := opts == nil || opts.Flags == nil || !opts.Flags.Volatile

	if isEventPacket && withoutAcknowledgement && notVolatile {
		packet.Data = append(packet.Data.([]any), offset)
	}
}

// Cleanup registers a cleanup callback to be called when the adapter is closed.
func (m *mongoAdapter) Cleanup(cleanup func()) {
	m.cleanupFunc = cleanup
}

// Close releases resources and invokes the registered cleanup callback.
func (m *mongoAdapter) Close() {
	defer m.ClusterAdapterWithHeartbeat.Close()

	if m.cleanupFunc != nil {
		m.cleanupFunc()
	}
}

// OnRawMessage processes a raw document read from the shared collection.
// It decodes the document and dispatches it to the appropriate handler.
func (m *mongoAdapter) OnRawMessage(rawMessage *mongo.RawClusterMessage, offset string) error {
	message, err := rawMessage.Decode()
	if err != nil {
		return err
	}

	m.OnMessage(message, adapter.Offset(offset))
	return nil
}

// OnMessage handles the MongoDB-specific message types and delegates everything
// else to the cluster adapter.
func (m *mongoAdapter) OnMessage(message *adapter.ClusterMessage, offset adapter.Offset) {
	if message.Uid == m.Uid() {
		mongoLog.Debug("[%s] ignore message from self", m.Uid())
		return
	}

	switch message.Type {
	case mongo.ALL_ROOMS:
		data, ok := message.Data.(*mongo.AllRoomsMessage)
		if !ok {
			mongoLog.Debug("[%s] invalid data for ALL_ROOMS message", m.Uid())
			return
		}
		m.PublishResponse(message.Uid, &adapter.ClusterResponse{
			Type: mongo.ALL_ROOMS_RESPONSE,
			Data: &mongo.AllRoomsResponse{
				RequestId: data.RequestId,
				Rooms:     m.Rooms().Keys(),
			},
		})

	case mongo.ALL_ROOMS_RESPONSE:
		data, ok := message.Data.(*mongo.AllRoomsResponse)
		if !ok {
			mongoLog.Debug("[%s] invalid data for ALL_ROOMS_RESPONSE message", m.Uid())
			return
		}
		m.onAllRoomsResponse(data)

	default:
		m.ClusterAdapterWithHeartbeat.OnMessage(message, offset)
	}
}

// onAllRoomsResponse feeds one node's rooms into the matching pending request.
func (m *mongoAdapter) onAllRoomsResponse(response *mongo.AllRoomsResponse) {
	request, ok := m.requests.Load(response.RequestId)
	if !ok {
		mongoLog.Debug("[%s] ignoring unknown request %s", m.Uid(), response.RequestId)
		return
	}

	request.MsgCount.Add(1)
	request.Rooms.Add(response.Rooms...)

	if request.MsgCount.Load() == request.NumSub {
		utils.ClearTimeout(request.Timeout.Load())
		if request.Resolve != nil {
			request.Resolve(request.Rooms)
		}
		m.requests.Delete(response.RequestId)
	}
}

// AllRooms returns a function that retrieves all rooms across all nodes in the cluster.
func (m *mongoAdapter) AllRooms() func(func(*types.Set[socket.Room], error)) {
	return func(cb func(*types.Set[socket.Room], error)) {
		localRooms := types.NewSet(m.Rooms().Keys()...)
		expectedResponseCount := m.ServerCount() - 1

		mongoLog.Debug(`[%s] waiting for %d responses to "allRooms" request`, m.Uid(), expectedResponseCount)

		if expectedResponseCount <= 0 {
			cb(localRooms, nil)
			return
		}

		requestId, err := adapter.RandomId()
		if err != nil {
			cb(nil, err)
			return
		}

		timeout := utils.SetTimeout(func() {
			if storedRequest, ok := m.requests.Load(requestId); ok {
				// settle with what has arrived
				cb(storedRequest.Rooms, fmt.Errorf("timeout reached: only %d responses received out of %d", storedRequest.MsgCount.Load(), storedRequest.NumSub))
				m.requests.Delete(requestId)
			}
		}, m.requestsTimeout)

		m.requests.Store(requestId, &MongoRequest{
			Type: mongo.ALL_ROOMS,
			Resolve: func(rooms *types.Set[socket.Room]) {
				cb(rooms, nil)
			},
			Timeout: utils.Tap(&atomic.Pointer[utils.Timer]{}, func(t *atomic.Pointer[utils.Timer]) {
				t.Store(timeout)
			}),
			NumSub:   expectedResponseCount,
			MsgCount: &atomic.Int64{},
			Rooms:    localRooms,
		})

		m.Publish(&adapter.ClusterMessage{
			Type: mongo.ALL_ROOMS,
			Data: &mongo.AllRoomsMessage{
				RequestId: requestId,
			},
		})
	}
}

// PersistSession saves a session to the shared collection for later recovery.
// The session is serialized using MessagePack; the private session id is kept
// as a top-level field so the document can be addressed by query.
func (m *mongoAdapter) PersistSession(session *socket.SessionToPersist) {
	mongoLog.Debug("persisting session: %+v", session)

	data, err := utils.MsgPack().Encode(session)
	if err != nil {
		mongoLog.Debug("failed to encode session: %s", err.Error())
		return
	}

	doc := bson.M{
		"type": int64(mongo.SESSION),
		"pid":  session.Pid,
		"data": bson.Binary{Subtype: 0x00, Data: data},
	}
	if m.opts.AddCreatedAtField() {
		doc["createdAt"] = time.Now()
	}

	if _, err := m.mongoClient.Collection.InsertOne(m.mongoClient.Context, doc); err != nil {
		m.mongoClient.Emit("error", err)
	}
}

// RestoreSession restores a session from the collection and collects missed packets.
// It validates the offset, consumes the stored session, and iterates over the
// collection to find the broadcasts the client missed during disconnection.
func (m *mongoAdapter) RestoreSession(pid socket.PrivateSessionId, offset string) (*socket.Session, error) {
	mongoLog.Debug("restoring session %s from offset %s", pid, offset)

	offsetId, err := bson.ObjectIDFromHex(offset)
	if err != nil {
		return nil, ErrInvalidOffset
	}

	// Get and delete the session atomically
	var sessionDoc mongo.SessionDocument
	err = m.mongoClient.Collection.FindOneAndDelete(
		m.mongoClient.Context,
		bson.M{"type": int64(mongo.SESSION), "pid": pid},
	).Decode(&sessionDoc)
	if err != nil {
		if errors.Is(err, mongodb.ErrNoDocuments) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to retrieve session: %w", err)
	}

	// Verify the offset is still within the capped window, otherwise some
	// messages may already have been trimmed away
	if err := m.mongoClient.Collection.FindOne(m.mongoClient.Context, bson.M{"_id": offsetId}).Err(); err != nil {
		if errors.Is(err, mongodb.ErrNoDocuments) {
			return nil, ErrOffsetNotFound
		}
		return nil, fmt.Errorf("failed to verify offset: %w", err)
	}

	session := &socket.Session{}
	if err := utils.MsgPack().Decode(sessionDoc.Data, &session.SessionToPersist); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	mongoLog.Debug("found session: %+v", session)

	m.collectMissedPackets(session, offsetId)

	return session, nil
}

// collectMissedPackets iterates over the collection to find the broadcasts that
// the session missed during disconnection, in document id order.
func (m *mongoAdapter) collectMissedPackets(session *socket.Session, offsetId bson.ObjectID) {
	cursor, err := m.mongoClient.Collection.Find(
		m.mongoClient.Context,
		bson.M{
			"_id":  bson.M{"$gt": offsetId},
			"nsp":  m.Nsp().Name(),
			"type": int64(adapter.BROADCAST),
		},
		moptions.Find().SetSort(bson.D{{Key: "_id", Value: 1}}),
	)
	if err != nil {
		mongoLog.Debug("failed to query missed packets: %s", err.Error())
		return
	}
	defer cursor.Close(m.mongoClient.Context)

	for cursor.Next(m.mongoClient.Context) {
		var rawMessage mongo.RawClusterMessage
		if err := cursor.Decode(&rawMessage); err != nil {
			continue
		}
		message, err := rawMessage.Decode()
		if err != nil {
			continue
		}
		if data, ok := message.Data.(*adapter.BroadcastMessage); ok {
			if m.shouldIncludePacket(session.Rooms, data.Opts) {
				session.MissedPackets = append(session.MissedPackets, data.Packet)
			}
		}
	}
}

// shouldIncludePacket determines if a packet should be included for session recovery.
// A packet is included if:
// 1. It was sent to all rooms (no specific rooms) OR to a room the session is in
// 2. It was not sent to a room that excludes the session
func (mongoAdapter) shouldIncludePacket(sessionRooms *types.Set[socket.Room], opts *adapter.PacketOptions) bool {
	// Check if packet targets the session's rooms
	included := len(opts.Rooms) == 0
	if !included {
		for _, room := range opts.Rooms {
			if sessionRooms.Has(room) {
				included = true
				break
			}
		}
	}

	// Check if session is excluded
	for _, room := range opts.Except {
		if sessionRooms.Has(room) {
			return false
		}
	}

	return included
}
