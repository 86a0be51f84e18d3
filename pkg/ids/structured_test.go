package ids

import (
	"strings"
	"testing"

	"github.com/baaaht/dispatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructuredIDString(t *testing.T) {
	scoped := StructuredID{Type: TypeSession, Scope: "user_42", Sequence: 7, Random: "0a1b2c3d"}
	assert.Equal(t, "session_user_42_7_0a1b2c3d", scoped.String())

	unscoped := StructuredID{Type: TypeThread, Sequence: 12, Random: "deadbeef"}
	assert.Equal(t, "thread_12_deadbeef", unscoped.String())
}

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		want  StructuredID
		valid bool
	}{
		{
			name:  "unscoped",
			text:  "thread_12_deadbeef",
			want:  StructuredID{Type: TypeThread, Sequence: 12, Random: "deadbeef"},
			valid: true,
		},
		{
			name:  "scoped",
			text:  "websocket_conn-1_3_0a1b2c3d",
			want:  StructuredID{Type: TypeWebSocket, Scope: "conn-1", Sequence: 3, Random: "0a1b2c3d"},
			valid: true,
		},
		{
			name:  "scope with underscores",
			text:  "execution_agent_x_9_5_ffffffff",
			want:  StructuredID{Type: TypeExecution, Scope: "agent_x_9", Sequence: 5, Random: "ffffffff"},
			valid: true,
		},
		{
			name:  "numeric scope",
			text:  "user_42_7_12345678",
			want:  StructuredID{Type: TypeUser, Scope: "42", Sequence: 7, Random: "12345678"},
			valid: true,
		},
		{name: "unknown type", text: "order_1_deadbeef"},
		{name: "uppercase random", text: "thread_1_DEADBEEF"},
		{name: "short random", text: "thread_1_dead"},
		{name: "missing sequence", text: "thread_deadbeef"},
		{name: "trailing newline", text: "thread_1_deadbeef\n"},
		{name: "injection", text: "thread_1_deadbeef; DROP TABLE"},
		{name: "empty", text: ""},
		{name: "oversized", text: "thread_" + strings.Repeat("a", MaxIDLength) + "_1_deadbeef"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.text)
			if !tt.valid {
				require.Error(t, err)
				assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.text, got.String())
		})
	}
}

func TestStructuredIDValidate(t *testing.T) {
	assert.NoError(t, StructuredID{Type: TypeUser, Random: "0a1b2c3d"}.Validate())

	err := StructuredID{Type: "order", Random: "0a1b2c3d"}.Validate()
	assert.Error(t, err)

	err = StructuredID{Type: TypeUser, Scope: "bad scope", Random: "0a1b2c3d"}.Validate()
	assert.ErrorIs(t, err, types.ErrInvalidScope)

	err = StructuredID{Type: TypeUser, Random: "xyz"}.Validate()
	assert.Error(t, err)
}

func TestIsValidThreadID(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"abc", true},
		{"thread_12_deadbeef", true},
		{"a-b_c", true},
		{"9", true},
		{"", false},
		{"_abc", false},
		{"-abc", false},
		{"abc def", false},
		{"abc/def", false},
		{"abc\n", false},
		{strings.Repeat("a", 201), false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, IsValidThreadID(tt.in, 200), "IsValidThreadID(%q)", tt.in)
	}
}
