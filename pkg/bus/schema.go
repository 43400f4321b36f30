package bus

import "fmt"

// Redis key pattern helpers for the bus.
//
// Key pattern: alpaca:{namespace}:bus:{entity}
// Channel pattern: alpaca:{namespace}:agent:{agent}:events

// SeqKey returns the key of the namespace-wide sequence counter.
func SeqKey(namespace string) string {
	return fmt.Sprintf("alpaca:%s:bus:seq", namespace)
}

// ClockKey returns the key holding the last assigned timestamp (ms).
func ClockKey(namespace string) string {
	return fmt.Sprintf("alpaca:%s:bus:clock", namespace)
}

// MessageKey returns the hash key for one message.
// Pattern: alpaca:{namespace}:bus:msg:{message_id}
func MessageKey(namespace, messageID string) string {
	return fmt.Sprintf("alpaca:%s:bus:msg:%s", namespace, messageID)
}

// InboxKey returns the ZSET of unacknowledged message IDs for an agent, scored by Seq.
// Pattern: alpaca:{namespace}:bus:inbox:{agent}
func InboxKey(namespace, agent string) string {
	return fmt.Sprintf("alpaca:%s:bus:inbox:%s", namespace, agent)
}

// AckedKey returns the ZSET of acknowledged message IDs scored by ack time (ms).
func AckedKey(namespace string) string {
	return fmt.Sprintf("alpaca:%s:bus:acked", namespace)
}

// AgentEventsChannel returns the pub/sub channel used to nudge a polling agent.
// Pattern: alpaca:{namespace}:agent:{agent}:events
func AgentEventsChannel(namespace, agent string) string {
	return fmt.Sprintf("alpaca:%s:agent:%s:events", namespace, agent)
}
