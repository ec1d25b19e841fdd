package mapper

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mechanigo/laextract/internal/resource"
)

// MappedRecord is one record converted from the raw API shape into the
// destination table schema. ExternalID is the stable unique key within the
// destination table.
type MappedRecord struct {
	ExternalID  string
	Kind        resource.Kind
	Fields      map[string]any
	ExtractedAt time.Time
}

// MalformedRecordError reports a raw record that is missing a required field
// or carries a value of the wrong shape. The orchestrator skips the record
// and keeps going.
type MalformedRecordError struct {
	Kind       resource.Kind
	ExternalID string
	Field      string
	Reason     string
}

func (e *MalformedRecordError) Error() string {
	id := e.ExternalID
	if id == "" {
		id = "<unknown>"
	}
	return fmt.Sprintf("malformed %s record %s: field %q %s", e.Kind, id, e.Field, e.Reason)
}

// Column describes one destination table column.
type Column struct {
	Name     string
	SQLType  string
	Required bool
}

// schemas holds the destination column set per resource kind. The column
// lists mirror the fields LiveAgent returns for each resource; chat_analysis
// and logs are produced internally.
var schemas = map[resource.Kind][]Column{
	resource.KindAgents: {
		{Name: "name", SQLType: "text"},
		{Name: "email", SQLType: "text", Required: true},
		{Name: "role", SQLType: "text"},
		{Name: "gender", SQLType: "text"},
		{Name: "status", SQLType: "text"},
		{Name: "online_status", SQLType: "text"},
		{Name: "avatar_url", SQLType: "text"},
		{Name: "last_pswd_change", SQLType: "timestamptz"},
	},
	resource.KindUsers: {
		{Name: "firstname", SQLType: "text"},
		{Name: "lastname", SQLType: "text"},
		{Name: "system_name", SQLType: "text"},
		{Name: "emails", SQLType: "text"},
		{Name: "role", SQLType: "text"},
		{Name: "gender", SQLType: "text"},
		{Name: "language", SQLType: "text"},
		{Name: "city", SQLType: "text"},
		{Name: "country_code", SQLType: "text"},
	},
	resource.KindTags: {
		{Name: "name", SQLType: "text", Required: true},
		{Name: "color", SQLType: "text"},
		{Name: "background_color", SQLType: "text"},
		{Name: "is_public", SQLType: "boolean"},
	},
	resource.KindTickets: {
		{Name: "owner_contactid", SQLType: "text"},
		{Name: "owner_email", SQLType: "text"},
		{Name: "owner_name", SQLType: "text"},
		{Name: "departmentid", SQLType: "text"},
		{Name: "agentid", SQLType: "text"},
		{Name: "status", SQLType: "text"},
		{Name: "tags", SQLType: "text"},
		{Name: "code", SQLType: "text"},
		{Name: "channel_type", SQLType: "text"},
		{Name: "date_created", SQLType: "timestamptz", Required: true},
		{Name: "date_changed", SQLType: "timestamptz"},
		{Name: "date_resolved", SQLType: "timestamptz"},
		{Name: "date_due", SQLType: "timestamptz"},
		{Name: "date_deleted", SQLType: "timestamptz"},
		{Name: "last_activity", SQLType: "timestamptz"},
		{Name: "last_activity_public", SQLType: "timestamptz"},
		{Name: "public_access_urlcode", SQLType: "text"},
		{Name: "subject", SQLType: "text"},
		{Name: "custom_fields", SQLType: "jsonb"},
	},
	resource.KindTicketMessages: {
		{Name: "ticket_id", SQLType: "text", Required: true},
		{Name: "userid", SQLType: "text"},
		{Name: "user_full_name", SQLType: "text"},
		{Name: "type", SQLType: "text"},
		{Name: "status", SQLType: "text"},
		{Name: "datecreated", SQLType: "timestamptz", Required: true},
		{Name: "datefinished", SQLType: "timestamptz"},
		{Name: "message", SQLType: "text"},
	},
	resource.KindChatAnalysis: {
		{Name: "ticket_id", SQLType: "text", Required: true},
		{Name: "service_category", SQLType: "text"},
		{Name: "summary", SQLType: "text"},
		{Name: "intent_rating", SQLType: "text"},
		{Name: "engagement_rating", SQLType: "bigint"},
		{Name: "clarity_rating", SQLType: "bigint"},
		{Name: "resolution_rating", SQLType: "bigint"},
		{Name: "sentiment_rating", SQLType: "text"},
		{Name: "location", SQLType: "text"},
		{Name: "address", SQLType: "text"},
		{Name: "schedule_date", SQLType: "text"},
		{Name: "schedule_time", SQLType: "text"},
		{Name: "car", SQLType: "text"},
		{Name: "contact_num", SQLType: "text"},
		{Name: "payment", SQLType: "text"},
		{Name: "inspection", SQLType: "text"},
		{Name: "quotation", SQLType: "text"},
		{Name: "model", SQLType: "text"},
		{Name: "tokens", SQLType: "bigint"},
	},
	resource.KindLogs: {
		{Name: "extraction_date", SQLType: "timestamptz", Required: true},
		{Name: "extraction_run_time", SQLType: "double precision"},
		{Name: "no_tickets_new", SQLType: "bigint"},
		{Name: "no_tickets_update", SQLType: "bigint"},
		{Name: "no_tickets_total", SQLType: "bigint"},
		{Name: "no_messages_new", SQLType: "bigint"},
		{Name: "no_messages_old", SQLType: "bigint"},
		{Name: "no_messages_total", SQLType: "bigint"},
		{Name: "total_tokens", SQLType: "bigint"},
		{Name: "model", SQLType: "text"},
		{Name: "log_message", SQLType: "text"},
	},
}

// externalIDKeys maps each kind to the raw field holding its stable id.
var externalIDKeys = map[resource.Kind]string{
	resource.KindAgents:         "id",
	resource.KindUsers:          "id",
	resource.KindTags:           "id",
	resource.KindTickets:        "id",
	resource.KindTicketMessages: "id",
	resource.KindChatAnalysis:   "ticket_id",
	resource.KindLogs:           "run_id",
}

// Columns returns the destination column set for a kind, excluding the
// external_id and extracted_at columns the store adds to every table.
func Columns(kind resource.Kind) []Column {
	return schemas[kind]
}

// Map converts a raw API record into the destination schema for its kind.
func Map(raw resource.Raw, kind resource.Kind, extractedAt time.Time) (MappedRecord, error) {
	cols, ok := schemas[kind]
	if !ok {
		return MappedRecord{}, fmt.Errorf("no schema for kind %q", kind)
	}

	idKey := externalIDKeys[kind]
	externalID := stringValue(raw[idKey])
	if externalID == "" {
		return MappedRecord{}, &MalformedRecordError{Kind: kind, Field: idKey, Reason: "is missing or empty"}
	}

	fields := make(map[string]any, len(cols))
	for _, col := range cols {
		v, present := raw[col.Name]
		if !present || v == nil {
			if col.Required {
				return MappedRecord{}, &MalformedRecordError{Kind: kind, ExternalID: externalID, Field: col.Name, Reason: "is missing"}
			}
			fields[col.Name] = nil
			continue
		}

		converted, err := convert(v, col.SQLType)
		if err != nil {
			return MappedRecord{}, &MalformedRecordError{Kind: kind, ExternalID: externalID, Field: col.Name, Reason: err.Error()}
		}
		if converted == nil && col.Required {
			return MappedRecord{}, &MalformedRecordError{Kind: kind, ExternalID: externalID, Field: col.Name, Reason: "is empty"}
		}
		fields[col.Name] = converted
	}

	return MappedRecord{
		ExternalID:  externalID,
		Kind:        kind,
		Fields:      fields,
		ExtractedAt: extractedAt.UTC(),
	}, nil
}

// convert coerces a raw JSON value to the column's SQL type.
func convert(v any, sqlType string) (any, error) {
	switch sqlType {
	case "text":
		switch t := v.(type) {
		case string:
			if t == "" {
				return nil, nil
			}
			return t, nil
		case []any:
			// Lists of scalars (ticket tags, user emails) are stored joined.
			parts := make([]string, 0, len(t))
			for _, e := range t {
				s, ok := e.(string)
				if !ok {
					return nil, fmt.Errorf("has non-string list element %T", e)
				}
				parts = append(parts, s)
			}
			if len(parts) == 0 {
				return nil, nil
			}
			return strings.Join(parts, ","), nil
		case float64:
			return stringValue(t), nil
		default:
			return nil, fmt.Errorf("has unexpected type %T", v)
		}
	case "timestamptz":
		s, ok := v.(string)
		if !ok {
			if t, isTime := v.(time.Time); isTime {
				return t.UTC(), nil
			}
			return nil, fmt.Errorf("has unexpected type %T", v)
		}
		if s == "" {
			return nil, nil
		}
		ts, err := parseTime(s)
		if err != nil {
			return nil, fmt.Errorf("is not a timestamp: %v", err)
		}
		return ts, nil
	case "bigint":
		switch t := v.(type) {
		case float64:
			return int64(t), nil
		case int:
			return int64(t), nil
		case int64:
			return t, nil
		default:
			return nil, fmt.Errorf("has unexpected type %T", v)
		}
	case "double precision":
		switch t := v.(type) {
		case float64:
			return t, nil
		case int:
			return float64(t), nil
		default:
			return nil, fmt.Errorf("has unexpected type %T", v)
		}
	case "boolean":
		switch t := v.(type) {
		case bool:
			return t, nil
		case string:
			// LiveAgent encodes some flags as "Y"/"N".
			return t == "Y" || t == "y" || t == "true", nil
		default:
			return nil, fmt.Errorf("has unexpected type %T", v)
		}
	case "jsonb":
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("is not JSON-encodable: %v", err)
		}
		return string(b), nil
	default:
		return nil, fmt.Errorf("unsupported column type %q", sqlType)
	}
}

// timeLayouts covers the formats LiveAgent uses across resources.
var timeLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01-02",
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return ""
	}
}
