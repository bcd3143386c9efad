package log

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGroupFilterAllowsNamedGroup(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	base := slog.NewTextHandler(&buf, nil)
	logger := slog.New(NewGroupFilterHandler(base, []string{"ledger"}))

	logger.WithGroup("ledger").Info("kept")
	logger.WithGroup("gap").Info("dropped")
	logger.Info("ungrouped dropped")

	out := buf.String()
	require.Contains(t, out, "kept")
	require.NotContains(t, out, "dropped")
}

func TestGroupFilterNoGroupsPassthrough(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	base := slog.NewTextHandler(&buf, nil)
	h := NewGroupFilterHandler(base, nil)
	require.Equal(t, slog.Handler(base), h)
}

func TestMultiHandlerFansOut(t *testing.T) {
	t.Parallel()

	var a, b bytes.Buffer
	logger := slog.New(NewMultiHandler(
		slog.NewTextHandler(&a, nil),
		nil,
		slog.NewJSONHandler(&b, nil),
	))

	logger.Info("hello")
	require.Contains(t, a.String(), "hello")
	require.Contains(t, b.String(), "hello")
}
