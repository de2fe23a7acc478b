// mongopersist.go — Durable PersistenceHook backed by MongoDB. Two
// collections: sessions (one upserted document per session, tracking the
// latest status) and messages (append-only, one document per persisted
// message). Every call runs fire-and-forget with a bounded context, and
// failures are logged, never surfaced: a persistence outage must never
// affect Relay delivery.
package mongopersist

import (
	"context"
	"log/slog"
	"time"

	"github.com/coderelay/relayd/internal/bridge"
	"github.com/coderelay/relayd/internal/lifecycle"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const callTimeout = 5 * time.Second

// Hook is a MongoDB-backed relay.PersistenceHook implementation.
type Hook struct {
	sessions *mongo.Collection
	messages *mongo.Collection
	logger   *slog.Logger
}

// New wraps an already-connected *mongo.Client. database selects the
// logical database; collections are named "sessions" and "messages".
func New(client *mongo.Client, database string, logger *slog.Logger) *Hook {
	if logger == nil {
		logger = slog.Default()
	}
	db := client.Database(database)
	return &Hook{
		sessions: db.Collection("sessions"),
		messages: db.Collection("messages"),
		logger:   logger,
	}
}

// DialError wraps a Mongo dial/ping failure with whether it looks
// transient (peer unreachable, worth a retry) as opposed to a
// configuration error (bad URI, auth failure).
type DialError struct {
	Err       error
	Transient bool
}

func (e *DialError) Error() string { return e.Err.Error() }
func (e *DialError) Unwrap() error { return e.Err }

// Dial connects to uri with a bounded startup timeout and pings the
// deployment, classifying the failure with bridge.IsConnectionError so
// callers can decide whether to retry or fail fast.
func Dial(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, &DialError{Err: err, Transient: bridge.IsConnectionError(err)}
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, &DialError{Err: err, Transient: bridge.IsConnectionError(err)}
	}
	return client, nil
}

// RecordStatus upserts the session's latest status document.
func (h *Hook) RecordStatus(sessionID string, status lifecycle.Status, extra map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	update := bson.M{
		"$set": bson.M{
			"sessionId": sessionID,
			"status":    string(status),
			"extra":     extra,
			"updatedAt": time.Now(),
		},
	}
	_, err := h.sessions.UpdateOne(ctx, bson.M{"sessionId": sessionID}, update, options.Update().SetUpsert(true))
	if err != nil {
		h.logger.Warn("mongopersist: recording status failed", "sessionId", sessionID, "err", err)
	}
}

// RecordMessage inserts an append-only message document.
func (h *Hook) RecordMessage(sessionID, msgType, content string, metadata map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	doc := bson.M{
		"_id":       uuid.NewString(),
		"sessionId": sessionID,
		"type":      msgType,
		"content":   content,
		"metadata":  metadata,
		"createdAt": time.Now(),
	}
	if _, err := h.messages.InsertOne(ctx, doc); err != nil {
		h.logger.Warn("mongopersist: recording message failed", "sessionId", sessionID, "err", err)
	}
}

// TouchActivity updates the session document's lastActivityAt field
// without disturbing its status.
func (h *Hook) TouchActivity(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	update := bson.M{"$set": bson.M{"lastActivityAt": time.Now()}}
	_, err := h.sessions.UpdateOne(ctx, bson.M{"sessionId": sessionID}, update, options.Update().SetUpsert(true))
	if err != nil {
		h.logger.Debug("mongopersist: touch activity failed", "sessionId", sessionID, "err", err)
	}
}
