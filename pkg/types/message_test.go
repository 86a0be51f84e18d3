package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvelopeIdentity(t *testing.T) {
	env := &Envelope{
		ID:       "m1",
		Type:     MessageTypeUser,
		UserID:   "alice",
		ThreadID: "t1",
		RunID:    "run_t1_1a2b3c4d",
	}
	saved := env.Identity()

	env.UserID = "mallory"
	env.RunID = "run_t2_1a2b3c4d"
	assert.NotEqual(t, saved, env.Identity())

	env.RestoreIdentity(saved)
	assert.Equal(t, saved, env.Identity())
	assert.Equal(t, "alice", env.UserID)
}

func TestEnvelopeSetMetadata(t *testing.T) {
	env := &Envelope{}
	env.SetMetadata("source", "cli")
	env.SetMetadata("source", "ws")
	assert.Equal(t, map[string]string{"source": "ws"}, env.Metadata)
}
