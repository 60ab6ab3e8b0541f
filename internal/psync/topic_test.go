package psync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopicMatches_Exact(t *testing.T) {
	assert.True(t, TopicMatches("policy", "policy"))
	assert.False(t, TopicMatches("policy", "data"))
}

func TestTopicMatches_Hierarchical(t *testing.T) {
	assert.True(t, TopicMatches("policy", "policy/rbac"))
	assert.True(t, TopicMatches("policy", "policy/rbac/admin"))
	assert.False(t, TopicMatches("policy/rbac", "policy"))
	// Prefix must end at a segment boundary.
	assert.False(t, TopicMatches("policy", "policyx"))
	assert.False(t, TopicMatches("pol", "policy/rbac"))
}

func TestMatchesAny(t *testing.T) {
	patterns := []string{"policy/rbac", "data"}

	assert.True(t, MatchesAny(patterns, "policy/rbac/admin"))
	assert.True(t, MatchesAny(patterns, "data/users"))
	assert.False(t, MatchesAny(patterns, "policy/abac"))
	assert.False(t, MatchesAny(nil, "policy"))
}

func TestChangeEvent_DedupKey(t *testing.T) {
	a := ChangeEvent{Topic: "policy", Revision: "r1", ID: 3}
	b := ChangeEvent{Topic: "policy", Revision: "r1", ID: 9, Origin: "other"}
	c := ChangeEvent{Topic: "policy", Revision: "r2"}

	// Identity is topic and revision; ids and origin differ across replicas.
	assert.Equal(t, a.DedupKey(), b.DedupKey())
	assert.NotEqual(t, a.DedupKey(), c.DedupKey())
}

func TestChannelName(t *testing.T) {
	assert.Equal(t, "psync::policy", ChannelName("policy"))
}

func TestManifest_EntriesForTopic(t *testing.T) {
	m := Manifest{
		Version: "v1",
		Entries: []DataSourceEntry{
			{URL: "http://a", Topic: "data/users"},
			{URL: "http://b", Topic: "data/groups"},
			{URL: "http://c", Topic: "policy"},
		},
	}

	got := m.EntriesForTopic("data/users")
	assert.Len(t, got, 1)
	assert.Equal(t, "http://a", got[0].URL)

	// A broad event covers every entry beneath it.
	got = m.EntriesForTopic("data")
	assert.Len(t, got, 2)

	assert.Empty(t, m.EntriesForTopic("other"))
}
