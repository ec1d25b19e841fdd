package resource

import "fmt"

// Kind identifies one LiveAgent resource type handled by the pipeline.
type Kind string

const (
	KindAgents         Kind = "agents"
	KindUsers          Kind = "users"
	KindTags           Kind = "tags"
	KindTickets        Kind = "tickets"
	KindTicketMessages Kind = "ticket_messages"
	KindChatAnalysis   Kind = "chat_analysis"
	KindLogs           Kind = "logs"
)

// All lists every supported kind, in route order.
var All = []Kind{
	KindAgents,
	KindUsers,
	KindTags,
	KindTickets,
	KindTicketMessages,
	KindChatAnalysis,
	KindLogs,
}

// Parse converts a string into a Kind.
func Parse(s string) (Kind, error) {
	for _, k := range All {
		if s == string(k) {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown resource kind %q", s)
}

// Windowed reports whether extraction for this kind is driven by the
// incremental window cursor. Logs and chat analysis always operate on a
// fixed lookback from the current time instead.
func (k Kind) Windowed() bool {
	return k != KindLogs && k != KindChatAnalysis
}

// Raw is one record as returned by the LiveAgent API, before mapping.
type Raw map[string]any
