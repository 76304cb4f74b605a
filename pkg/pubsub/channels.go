package pubsub

import "fmt"

// Channel naming conventions for the chat and call fabric.
// Every channel has the shape {prefix}:room:{roomID}:{suffix} so that the
// Kafka driver can map it to a fixed topic keyed by room.
const (
	// Chat gateway fan-out between instances.
	ChannelChatEvents = "chat:room:%s:events"
	PatternChatEvents = "chat:room:*:events"

	// Signaling relay fan-out between instances.
	ChannelCallSignals = "call:room:%s:signals"
	PatternCallSignals = "call:room:*:signals"
)

// Kafka topics backing the channels above.
const (
	TopicChatEvents  = "chat-events"
	TopicCallSignals = "call-signals"
)

// ChatEventsChannel returns the channel carrying room events for roomID.
func ChatEventsChannel(roomID string) string {
	return fmt.Sprintf(ChannelChatEvents, roomID)
}

// CallSignalsChannel returns the channel carrying call signals for callID.
func CallSignalsChannel(callID string) string {
	return fmt.Sprintf(ChannelCallSignals, callID)
}
