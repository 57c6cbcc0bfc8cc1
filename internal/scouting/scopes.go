package scouting

import (
	"encoding/json"

	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/schema"
)

// ChangeScopes derives the interest scopes a change fans out to:
// always the table scope, plus the event scope when the payload
// carries an event key. Deletes ship no payload, so they reach table
// subscribers only.
func ChangeScopes(rec *schema.ChangeRecord) []string {
	scopes := []string{"table:" + rec.TableName}

	if len(rec.Payload) > 0 {
		var p struct {
			EventKey string `json:"event_key"`
		}
		if err := json.Unmarshal(rec.Payload, &p); err == nil && p.EventKey != "" {
			scopes = append(scopes, "event:"+p.EventKey)
		}
	}
	return scopes
}
