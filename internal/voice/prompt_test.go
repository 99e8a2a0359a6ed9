package voice

import (
	"strings"
	"testing"
)

func TestInitialMessagesIncludeRestaurantDetails(t *testing.T) {
	msgs := InitialMessages(RestaurantInfo{Name: "Bella Vista", Address: "12 Main St", Hours: "noon to 9"})
	if len(msgs) != 1 || msgs[0].Role != "system" {
		t.Fatalf("InitialMessages() = %+v, want one system message", msgs)
	}
	for _, want := range []string{"Bella Vista", "12 Main St", "noon to 9", "under 50 words"} {
		if !strings.Contains(msgs[0].Content, want) {
			t.Fatalf("system prompt missing %q", want)
		}
	}
}

func TestGreetingMessagesDefaults(t *testing.T) {
	msgs := GreetingMessages(RestaurantInfo{})
	if len(msgs) != 2 {
		t.Fatalf("len(GreetingMessages()) = %d, want 2", len(msgs))
	}
	if !strings.Contains(msgs[0].Content, "Monday through Sunday, 11 AM to 10 PM") {
		t.Fatalf("default hours missing from system prompt")
	}
	want := "A customer just called our restaurant. Greet them warmly"
	if !strings.HasPrefix(msgs[1].Content, want) {
		t.Fatalf("greeting = %q, want prefix %q", msgs[1].Content, want)
	}
}
