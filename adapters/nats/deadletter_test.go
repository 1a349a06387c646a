package nats

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubjectToken(t *testing.T) {
	require.Equal(t, "events:account_events", subjectToken("events:account_events"))
	require.Equal(t, "a_b_c_", subjectToken("a.b*c>"))
}
