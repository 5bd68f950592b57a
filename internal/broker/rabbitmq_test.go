package broker

import (
	"testing"

	"github.com/google/uuid"
)

func TestRoutingKeyRoundTrip(t *testing.T) {
	user := uuid.New()
	key := RoutingKey(user)
	if key != "user."+user.String() {
		t.Fatalf("unexpected key %q", key)
	}
	got, err := ParseRoutingKey(key)
	if err != nil || got != user {
		t.Fatalf("expected %s, got (%s, %v)", user, got, err)
	}
}

func TestParseRoutingKeyRejectsForeignKeys(t *testing.T) {
	for _, key := range []string{"", "chat.message", "user.", "user.not-a-uuid"} {
		if _, err := ParseRoutingKey(key); err == nil {
			t.Errorf("expected error for %q", key)
		}
	}
}
