package psync

import "strings"

// TopicMatches reports whether a subscription pattern covers a topic.
// A pattern matches its own topic exactly and every topic below it in the
// hierarchy: "policy_data" covers "policy_data/region/us" but not
// "policy_database".
func TopicMatches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}

	return strings.HasPrefix(topic, pattern+"/")
}

// MatchesAny reports whether any pattern in the subscription set covers the
// topic. The effective subscription is the union of the patterns, so an event
// matched by several overlapping patterns is still delivered once.
func MatchesAny(patterns []string, topic string) bool {
	for _, p := range patterns {
		if TopicMatches(p, topic) {
			return true
		}
	}

	return false
}
