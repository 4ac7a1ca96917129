package logfields

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHelpersUseCanonicalKeys(t *testing.T) {
	assert.Equal(t, KeyBuildID, BuildID("b1").Key)
	assert.Equal(t, "b1", BuildID("b1").Value.String())
	assert.Equal(t, KeyStage, Stage("compile").Key)
	assert.Equal(t, KeyAgentID, AgentID("agent-1").Key)
	assert.Equal(t, int64(42), DurationMS(42).Value.Int64())
}

func TestErrorAttr(t *testing.T) {
	assert.Equal(t, "", Error(nil).Value.String())
	assert.Equal(t, "boom", Error(errors.New("boom")).Value.String())
}
