package psync

import (
	"fmt"
	"time"
)

// ChangeEvent announces that the policy or data behind a topic moved to a new
// revision. Events carry a reference to where the payload can be fetched, not
// the payload itself; clients pull the payload through the fetch engine.
type ChangeEvent struct {
	// ID is the per-topic delivery sequence. It is assigned when a replica
	// admits the event off the broadcast bus, so it is zero on the wire.
	ID          uint64     `json:"id,omitempty"`
	Topic       string     `json:"topic"`
	Revision    string     `json:"revision"`
	PayloadRef  string     `json:"payloadRef,omitempty"`
	Origin      string     `json:"origin,omitempty"`
	PublishTime *time.Time `json:"publishTime,omitempty"`
}

// DedupKey identifies the logical change regardless of which replica
// originated the announcement. Two replicas observing the same source
// revision publish events with the same key and only one is admitted.
func (e ChangeEvent) DedupKey() string {
	return fmt.Sprintf("%s::%s", e.Topic, e.Revision)
}

// ChannelName maps a topic onto its broadcast channel.
func ChannelName(topic string) string {
	return fmt.Sprintf("psync::%s", topic)
}
