package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestString(t *testing.T) {
	t.Setenv("EV_TEST_STR", "  value ")
	require.Equal(t, "value", String("EV_TEST_STR", "x"))
	t.Setenv("EV_TEST_STR", "")
	require.Equal(t, "x", String("EV_TEST_STR", "x"))
}

func TestRequiredString(t *testing.T) {
	t.Setenv("EV_TEST_REQ", "")
	_, err := RequiredString("EV_TEST_REQ")
	require.EqualError(t, err, "EV_TEST_REQ is required")

	t.Setenv("EV_TEST_REQ", "postgres://x")
	v, err := RequiredString("EV_TEST_REQ")
	require.NoError(t, err)
	require.Equal(t, "postgres://x", v)
}

func TestNumbers(t *testing.T) {
	t.Setenv("EV_TEST_INT", "42")
	require.Equal(t, 42, Int("EV_TEST_INT", 1))
	t.Setenv("EV_TEST_INT", "nope")
	require.Equal(t, 1, Int("EV_TEST_INT", 1))

	t.Setenv("EV_TEST_FLOAT", "0.5")
	require.Equal(t, 0.5, Float("EV_TEST_FLOAT", 1))
}

func TestBool(t *testing.T) {
	for v, want := range map[string]bool{"": true, "0": false, "False": false, "off": false, "1": true, "yes": true} {
		t.Setenv("EV_TEST_BOOL", v)
		require.Equal(t, want, Bool("EV_TEST_BOOL", true), "value %q", v)
	}
}

func TestDuration(t *testing.T) {
	t.Setenv("EV_TEST_DUR", "45s")
	require.Equal(t, 45*time.Second, Duration("EV_TEST_DUR", time.Second))
	t.Setenv("EV_TEST_DUR", "45")
	require.Equal(t, time.Second, Duration("EV_TEST_DUR", time.Second))
}

func TestPort(t *testing.T) {
	p, err := Port("EV_TEST_PORT", "9090")
	require.NoError(t, err)
	require.Equal(t, "9090", p)

	t.Setenv("EV_TEST_PORT", "70000")
	_, err = Port("EV_TEST_PORT", "9090")
	require.Error(t, err)
}
