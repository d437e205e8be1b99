/*
Package events broadcasts table, schema and migration notifications.

Components publish through the Publisher interface. The Broker fans every
event out to its subscribers on a background goroutine; a subscriber whose
buffer is full misses the event rather than stalling the publisher.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	for ev := range sub {
		fmt.Println(ev.Type, ev.Metadata["table"])
	}

A nil *Broker and Discard both accept and drop events, so packages can be
built without one.
*/
package events
