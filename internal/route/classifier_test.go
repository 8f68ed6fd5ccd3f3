package route

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const (
	channelID = "222079895583457280"
	guildID   = "222078108977594368"
	userID    = "81384788765712384"
)

// TestClassify_Table verifies placeholder substitution and major parameter extraction.
func TestClassify_Table(t *testing.T) {
	c := NewClassifier()

	tests := []struct {
		name   string
		path   string
		method string
		want   Key
	}{
		{
			name:   "channel messages",
			path:   "/channels/" + channelID + "/messages",
			method: "GET",
			want:   Key{BucketRoute: "/channels/:id/messages", MajorParameter: channelID, Original: "/channels/" + channelID + "/messages"},
		},
		{
			name:   "guild member",
			path:   "/guilds/" + guildID + "/members/" + userID,
			method: "PATCH",
			want:   Key{BucketRoute: "/guilds/:id/members/:id", MajorParameter: guildID, Original: "/guilds/" + guildID + "/members/" + userID},
		},
		{
			name:   "webhook with token",
			path:   "/webhooks/" + channelID + "/sometoken",
			method: "POST",
			want:   Key{BucketRoute: "/webhooks/:id/sometoken", MajorParameter: channelID, Original: "/webhooks/" + channelID + "/sometoken"},
		},
		{
			name:   "no major parameter",
			path:   "/users/" + userID,
			method: "GET",
			want:   Key{BucketRoute: "/users/:id", MajorParameter: GlobalMajor, Original: "/users/" + userID},
		},
		{
			name:   "short numbers are not ids",
			path:   "/channels/12345/messages",
			method: "GET",
			want:   Key{BucketRoute: "/channels/12345/messages", MajorParameter: GlobalMajor, Original: "/channels/12345/messages"},
		},
		{
			name:   "gateway",
			path:   "/gateway/bot",
			method: "GET",
			want:   Key{BucketRoute: "/gateway/bot", MajorParameter: GlobalMajor, Original: "/gateway/bot"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.path, tt.method)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Classify(%q, %q) mismatch (-want +got):\n%s", tt.path, tt.method, diff)
			}
		})
	}
}

// TestClassify_Reactions verifies every reaction sub-path collapses into one bucket.
func TestClassify_Reactions(t *testing.T) {
	c := NewClassifier()
	base := "/channels/" + channelID + "/messages/" + userID + "/reactions/"

	paths := []string{
		base + "%F0%9F%91%8D/@me",
		base + "custom:" + guildID,
		base + "%F0%9F%91%8D/" + userID,
	}

	want := "/channels/:id/messages/:id/reactions/:reaction"
	for _, p := range paths {
		if got := c.Classify(p, "PUT").BucketRoute; got != want {
			t.Errorf("Classify(%q) = %q, want %q", p, got, want)
		}
	}
}

// TestClassify_OldMessageDelete verifies the separate bucket for deleting two-week-old messages.
func TestClassify_OldMessageDelete(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewClassifier(WithClock(func() time.Time { return now }))
	sf := DefaultSnowflake()

	oldID := sf.Generate(now.Add(-15 * 24 * time.Hour))
	newID := sf.Generate(now.Add(-time.Hour))

	old := c.Classify("/channels/"+channelID+"/messages/"+oldID, "DELETE")
	if old.BucketRoute != "/channels/:id/messages/:id"+OldMessageSuffix {
		t.Errorf("expected old message suffix, got %q", old.BucketRoute)
	}

	recent := c.Classify("/channels/"+channelID+"/messages/"+newID, "DELETE")
	if recent.BucketRoute != "/channels/:id/messages/:id" {
		t.Errorf("expected plain message route for recent message, got %q", recent.BucketRoute)
	}

	// Only deletions are special-cased
	get := c.Classify("/channels/"+channelID+"/messages/"+oldID, "GET")
	if get.BucketRoute != "/channels/:id/messages/:id" {
		t.Errorf("expected plain message route for GET, got %q", get.BucketRoute)
	}
}

// TestClassify_CustomEpoch verifies the snowflake layout is configuration and not baked in.
func TestClassify_CustomEpoch(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	custom := Snowflake{Epoch: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli(), Shift: 22}
	c := NewClassifier(WithSnowflake(custom), WithClock(func() time.Time { return now }))

	id := custom.Generate(now.Add(-30 * 24 * time.Hour))
	key := c.Classify("/channels/"+channelID+"/messages/"+id, "delete")
	if key.BucketRoute != "/channels/:id/messages/:id"+OldMessageSuffix {
		t.Errorf("expected old message suffix with custom epoch, got %q", key.BucketRoute)
	}
}

// TestClassify_Pure verifies classification is deterministic and id-independent.
func TestClassify_Pure(t *testing.T) {
	c := NewClassifier()
	path := "/channels/" + channelID + "/messages/" + userID

	first := c.Classify(path, "GET")
	second := c.Classify(path, "GET")
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("repeated classification differs (-first +second):\n%s", diff)
	}

	other := c.Classify("/channels/"+guildID+"/messages/"+channelID, "GET")
	if other.BucketRoute != first.BucketRoute {
		t.Errorf("bucket route depends on ids: %q vs %q", other.BucketRoute, first.BucketRoute)
	}
}

// TestSnowflakeTimestamp verifies decoding of a known identifier.
func TestSnowflakeTimestamp(t *testing.T) {
	// 175928847299117063 was created at 2016-04-30 11:18:25.796 UTC
	ts, err := DefaultSnowflake().Timestamp("175928847299117063")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2016, 4, 30, 11, 18, 25, 796_000_000, time.UTC)
	if !ts.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", ts.UTC(), want)
	}

	if _, err := DefaultSnowflake().Timestamp("not-a-number"); err == nil {
		t.Error("expected error for non-numeric snowflake")
	}
}
