/*
Package events provides an in-memory event broker for chunkmaster's alert and
state-change notifications.

The broker broadcasts chunk health transitions (a chunk entering or leaving
LostChunks, a seal producing a row gap, an invariant violation logged by
refresh/sealer/requisition) to interested subscribers such as an admin health
endpoint. Publish is non-blocking: a slow or absent subscriber never stalls
the automaton thread that raised the event.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Publish(&events.Event{Type: events.EventChunkLost, Message: "..."})
*/
package events
