/******************************************************************************
 *
 *  Description :
 *
 *    Replication bus of the server's own topics: changes made in this
 *    process are shared with connected sessions and other nodes.
 *
 *****************************************************************************/

package main

import (
	"github.com/tinode/topicsync/server/logs"
	"github.com/tinode/topicsync/server/store/types"
)

// hubBus implements replica.Bus on top of the hub.
type hubBus struct {
	hub *Hub
}

// Send shares an entry mutation.
func (b hubBus) Send(msg *types.CRUDMessage) error {
	raw, err := serializeEnvelope(MsgCRUD, msg, b.hub.nextCounter())
	if err != nil {
		return err
	}
	b.hub.broadcast(nil, msg.TopicID, raw)
	return nil
}

// SendQueue shares a queue item change.
func (b hubBus) SendQueue(msg *types.QueueMessage) error {
	raw, err := serializeEnvelope(MsgUpdateQueue, msg, b.hub.nextCounter())
	if err != nil {
		return err
	}
	b.hub.broadcast(nil, msg.TopicID, raw)
	return nil
}

// Subscribe starts receiving the topic's messages from other nodes.
func (b hubBus) Subscribe(topicID string) error {
	br := b.hub.getBridge()
	if br == nil {
		return nil
	}
	if err := br.Subscribe(topicID); err != nil {
		logs.Warn.Println("bus: bridge subscribe failed", topicID, err)
		return err
	}
	return nil
}
