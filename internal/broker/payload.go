package broker

import (
	"context"
	"encoding/json"

	"github.com/queuemanager/broker/internal/hooks"
	"github.com/queuemanager/broker/internal/model"
	"github.com/queuemanager/broker/internal/qmerrors"
	"github.com/queuemanager/broker/internal/serialization"
)

// encodedPayload wraps a non-JSON item payload so it still round-trips
// through model.Item.Data (a json.RawMessage) and the store's plain JSON
// encoding of the item list. Payload holds the format-prefixed bytes
// produced by Serializer.MarshalWithFormat.
type encodedPayload struct {
	Format  serialization.PayloadFormat `json:"format"`
	Payload []byte                      `json:"payload"`
}

// AddToQueueEncoded serializes payload with the given format before pushing
// it as an item's opaque data (spec's default wire format stays JSON;
// protobuf is an alternate codec for callers who opt in per item). Schema
// validation only runs for FormatJSON items — a SchemaConfig validates
// decoded JSON objects, and a protobuf payload has nothing for it to walk.
func (b *Broker) AddToQueueEncoded(ctx context.Context, queueID string, payload interface{}, format serialization.PayloadFormat, hs hooks.Set) (*model.Item, error) {
	if format == serialization.FormatJSON {
		framed, err := b.serializer.MarshalWithFormat(payload, format)
		if err != nil {
			return nil, qmerrors.Validation("addToQueueEncoded", err.Error()).WithQueue(queueID)
		}
		return b.AddToQueue(ctx, queueID, json.RawMessage(framed[1:]), hs)
	}

	if err := b.waitReady(); err != nil {
		return nil, err
	}
	framed, err := b.serializer.MarshalWithFormat(payload, format)
	if err != nil {
		return nil, qmerrors.Validation("addToQueueEncoded", err.Error()).WithQueue(queueID)
	}
	wrapped, err := json.Marshal(encodedPayload{Format: format, Payload: framed})
	if err != nil {
		return nil, qmerrors.Validation("addToQueueEncoded", err.Error()).WithQueue(queueID)
	}

	hs, _, _ = hs.Clamp()
	it := model.NewItem("", wrapped)
	if err := hooks.RunBefore(ctx, hs.Before, "addToQueue", it, queueID, 0); err != nil {
		return nil, err
	}
	items, err := b.loadItems(ctx, queueID)
	if err != nil {
		return nil, err
	}
	items = append([]*model.Item{it}, items...)
	if err := b.saveItems(ctx, queueID, items); err != nil {
		return nil, err
	}
	if err := hooks.RunAfter(ctx, hs.After, "addToQueue", it, queueID, 0); err != nil {
		return it, err
	}
	return it, nil
}

// DecodeItemPayload decodes an item's data into out, transparently handling
// both the plain-JSON default and the encodedPayload wrapper used by
// AddToQueueEncoded for non-JSON formats.
func (b *Broker) DecodeItemPayload(it *model.Item, out interface{}) error {
	var wrapped encodedPayload
	if err := json.Unmarshal(it.Data, &wrapped); err == nil && wrapped.Format != serialization.FormatJSON && len(wrapped.Payload) > 0 {
		return b.serializer.UnmarshalWithFormat(wrapped.Payload[1:], out, wrapped.Format)
	}
	return json.Unmarshal(it.Data, out)
}
