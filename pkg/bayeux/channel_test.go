package bayeux

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChannelName_Type(t *testing.T) {
	tests := []struct {
		name     string
		channel  ChannelName
		expected ChannelType
	}{
		{"handshake is meta", MetaHandshake, ChannelMeta},
		{"connect is meta", MetaConnect, ChannelMeta},
		{"service prefix", "/service/echo", ChannelService},
		{"plain channel broadcasts", "/chat/room", ChannelBroadcast},
		{"meta-like without slash broadcasts", "/metathing", ChannelBroadcast},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.channel.Type())
		})
	}
}

func TestChannelName_IsValid(t *testing.T) {
	tests := []struct {
		name    string
		channel ChannelName
		valid   bool
	}{
		{"simple", "/foo", true},
		{"nested", "/foo/bar/baz", true},
		{"allowed punctuation", "/foo-bar/b_z/x!y/~a/(b)/$c/@d", true},
		{"single star tail", "/foo/*", true},
		{"double star tail", "/foo/**", true},
		{"root star", "/*", true},
		{"root double star", "/**", true},
		{"empty", "", false},
		{"bare slash", "/", false},
		{"missing leading slash", "foo/bar", false},
		{"empty segment", "/foo//bar", false},
		{"trailing slash", "/foo/", false},
		{"star mid-path", "/foo/*/bar", false},
		{"double star mid-path", "/**/bar", false},
		{"star glued to segment", "/foo/ba*", false},
		{"illegal character", "/foo/b r", false},
		{"illegal percent", "/foo/b%r", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.channel.IsValid())
		})
	}
}

func TestChannelName_WildcardParents(t *testing.T) {
	tests := []struct {
		name     string
		channel  ChannelName
		expected []ChannelName
	}{
		{
			name:     "three segments",
			channel:  "/a/b/c",
			expected: []ChannelName{"/**", "/a/**", "/a/b/**", "/a/b/*"},
		},
		{
			name:     "single segment",
			channel:  "/foo",
			expected: []ChannelName{"/**", "/*"},
		},
		{
			name:     "two segments",
			channel:  "/chat/room",
			expected: []ChannelName{"/**", "/chat/**", "/chat/*"},
		},
		{
			name:     "wild channels have no parents",
			channel:  "/chat/*",
			expected: nil,
		},
		{
			name:     "deep wild channels have no parents",
			channel:  "/chat/**",
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.channel.WildcardParents())
		})
	}
}

func TestChannelName_Expand(t *testing.T) {
	expanded := ChannelName("/a/b").Expand()
	assert.Equal(t, []ChannelName{"/**", "/a/**", "/a/*", "/a/b"}, expanded)

	// A wild channel expands only to itself.
	assert.Equal(t, []ChannelName{"/a/*"}, ChannelName("/a/*").Expand())
}

func TestChannelName_Classification(t *testing.T) {
	assert.True(t, MetaSubscribe.IsMeta())
	assert.False(t, MetaSubscribe.IsBroadcast())
	assert.True(t, ChannelName("/service/ping").IsService())
	assert.False(t, ChannelName("/service/ping").IsBroadcast())
	assert.True(t, ChannelName("/news").IsBroadcast())
	assert.True(t, ChannelName("/news/*").IsWild())
	assert.True(t, ChannelName("/news/**").IsWild())
	assert.False(t, ChannelName("/news/sports").IsWild())
}
