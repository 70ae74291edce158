package agentclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallbackTokenRoundTrip(t *testing.T) {
	token, err := IssueCallbackToken("secret", "ws-1", "t-1")
	require.NoError(t, err)

	claims, err := VerifyCallbackToken("secret", token, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, "ws-1", claims.WorkspaceID)
	assert.Equal(t, "t-1", claims.TaskID)
}

func TestCallbackTokenWrongWorkspace(t *testing.T) {
	token, err := IssueCallbackToken("secret", "ws-1", "t-1")
	require.NoError(t, err)

	_, err = VerifyCallbackToken("secret", token, "ws-2")
	assert.Error(t, err)
}

func TestCallbackTokenWrongSecret(t *testing.T) {
	token, err := IssueCallbackToken("secret", "ws-1", "t-1")
	require.NoError(t, err)

	_, err = VerifyCallbackToken("other", token, "ws-1")
	assert.Error(t, err)
}
