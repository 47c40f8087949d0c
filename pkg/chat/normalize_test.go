package chat

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeContent(t *testing.T) {
	tests := []struct {
		name     string
		role     Role
		content  string
		wantText string
		wantErr  bool
	}{
		{
			name:     "bare string content",
			role:     RoleUser,
			content:  `"hello world"`,
			wantText: "hello world",
		},
		{
			name:     "typed part array",
			role:     RoleAssistant,
			content:  `[{"type":"text","text":"hi "},{"type":"text","text":"there"}]`,
			wantText: "hi there",
		},
		{
			name:     "non-text parts dropped",
			role:     RoleUser,
			content:  `[{"type":"image","text":""},{"type":"text","text":"kept"}]`,
			wantText: "kept",
		},
		{
			name:    "only non-text parts",
			role:    RoleUser,
			content: `[{"type":"image","text":""}]`,
			wantErr: true,
		},
		{
			name:    "unsupported role",
			role:    "system",
			content: `"hello"`,
			wantErr: true,
		},
		{
			name:    "object content",
			role:    RoleUser,
			content: `{"nested": true}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NormalizeContent(WireMessage{
				Role:    tt.role,
				Content: json.RawMessage(tt.content),
			})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.role, m.Role)
			require.Equal(t, tt.wantText, m.Text())
		})
	}
}
