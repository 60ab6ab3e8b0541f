package psync

import "encoding/json"

// DataSourceEntry tells a client where one slice of policy data lives and
// which fetch provider retrieves it. Entries are immutable once distributed;
// changing one means distributing a new manifest version.
type DataSourceEntry struct {
	URL string `json:"url"`
	// Topic is the destination topic; the entry is refetched whenever a
	// change event for this topic arrives.
	Topic string `json:"topic"`
	// Fetcher names the provider in the fetch registry ("http",
	// "postgres", "couchbase", ...).
	Fetcher string `json:"fetcher"`
	// Config is provider-specific and parsed by the provider itself.
	Config json.RawMessage `json:"config,omitempty"`
	// Credentials is an opaque credential reference (bearer token, DSN
	// password, ...) interpreted by the provider.
	Credentials string `json:"credentials,omitempty"`
	// DstPath is the policy store path the fetched document lands at.
	DstPath string `json:"dstPath,omitempty"`
}

// Manifest is a full versioned set of data source entries.
type Manifest struct {
	Version string            `json:"version"`
	Entries []DataSourceEntry `json:"entries"`
}

// EntriesForTopic returns the entries whose destination topic is covered by
// the given topic (exact or hierarchical prefix).
func (m Manifest) EntriesForTopic(topic string) []DataSourceEntry {
	var out []DataSourceEntry
	for _, e := range m.Entries {
		if TopicMatches(topic, e.Topic) || TopicMatches(e.Topic, topic) {
			out = append(out, e)
		}
	}

	return out
}
