package features

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromList(t *testing.T) {
	f := FromList("echo_mode, queue_cleanup")

	assert.True(t, f.IsEnabled(FlagEchoMode))
	assert.True(t, f.IsEnabled(FlagQueueCleanup))
	assert.False(t, f.IsEnabled(FlagStrictWebhooks))
}

func TestFromList_Empty(t *testing.T) {
	f := FromList("")
	assert.Empty(t, f.Enabled())
	assert.False(t, f.IsEnabled(FlagEchoMode))
}

func TestFromEnv(t *testing.T) {
	t.Setenv(envVar, "strict_webhooks")
	f := FromEnv()
	assert.True(t, f.IsEnabled(FlagStrictWebhooks))
}

func TestSet(t *testing.T) {
	f := FromList("")
	f.Set(FlagEchoMode, true)
	assert.True(t, f.IsEnabled(FlagEchoMode))

	f.Set(FlagEchoMode, false)
	assert.False(t, f.IsEnabled(FlagEchoMode))
}

func TestEnabled_Sorted(t *testing.T) {
	f := FromList("queue_cleanup,echo_mode")
	assert.Equal(t, []string{"echo_mode", "queue_cleanup"}, f.Enabled())
}
