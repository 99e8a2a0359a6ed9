package voice

import (
	"fmt"
	"strings"
)

// RestaurantInfo is the business context the agent answers calls for.
type RestaurantInfo struct {
	Name    string
	Address string
	Hours   string
}

func (r RestaurantInfo) withDefaults() RestaurantInfo {
	if strings.TrimSpace(r.Name) == "" {
		r.Name = "our restaurant"
	}
	if strings.TrimSpace(r.Address) == "" {
		r.Address = "downtown"
	}
	if strings.TrimSpace(r.Hours) == "" {
		r.Hours = "Monday through Sunday, 11 AM to 10 PM"
	}
	return r
}

const systemPromptTemplate = `You are a helpful AI assistant taking phone calls for %s.

IMPORTANT INSTRUCTIONS:
- Keep all responses under 50 words for natural conversation flow
- Never use special characters, formatting, or markdown in your responses
- Speak naturally as if talking to someone on the phone
- If you don't know specific information, politely say you'll have someone call them back

You can help customers with:
- Making reservations (ask for name, date, time, party size, phone number)
- Providing menu information and daily specials
- Answering questions about hours: %s
- Location information: %s
- General restaurant inquiries
- Taking takeout orders (get their name and phone number)

For reservations, always collect: name, date, time, party size, and phone number.
For takeout orders, always get their name and phone number.

Be friendly, professional, and efficient. Ask one question at a time.`

// InitialMessages returns the system context every conversation starts with.
func InitialMessages(info RestaurantInfo) []Message {
	info = info.withDefaults()
	return []Message{{
		Role:    "system",
		Content: fmt.Sprintf(systemPromptTemplate, info.Name, info.Hours, info.Address),
	}}
}

// GreetingMessages extends the initial context with the instruction that
// makes the agent speak first.
func GreetingMessages(info RestaurantInfo) []Message {
	info = info.withDefaults()
	msgs := InitialMessages(info)
	return append(msgs, Message{
		Role:    "system",
		Content: fmt.Sprintf("A customer just called %s. Greet them warmly and ask how you can help them today. Keep it brief and friendly.", info.Name),
	})
}
