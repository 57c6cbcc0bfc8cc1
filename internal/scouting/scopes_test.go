package scouting

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/schema"
)

func TestChangeScopes(t *testing.T) {
	tests := []struct {
		name string
		rec  *schema.ChangeRecord
		want []string
	}{
		{
			name: "payload with event key",
			rec: &schema.ChangeRecord{
				TableName: TableTeams,
				Payload:   json.RawMessage(`{"id":"team-1","event_key":"2026casj"}`),
			},
			want: []string{"table:teams", "event:2026casj"},
		},
		{
			name: "payload without event key",
			rec: &schema.ChangeRecord{
				TableName: TableMatches,
				Payload:   json.RawMessage(`{"id":"m1"}`),
			},
			want: []string{"table:matches"},
		},
		{
			name: "delete carries no payload",
			rec: &schema.ChangeRecord{
				TableName: TableEntries,
				Operation: schema.OpDelete,
			},
			want: []string{"table:scouting_entries"},
		},
		{
			name: "malformed payload still reaches table scope",
			rec: &schema.ChangeRecord{
				TableName: TableTeams,
				Payload:   json.RawMessage(`not json`),
			},
			want: []string{"table:teams"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, ChangeScopes(tt.rec)); diff != "" {
				t.Errorf("ChangeScopes() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
