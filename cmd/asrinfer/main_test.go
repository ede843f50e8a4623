package main

import (
	"errors"
	"io"
	"testing"

	"github.com/fmueller/asrinfer/internal/cli"
	"github.com/stretchr/testify/require"
)

func TestShouldPrintUsageHint(t *testing.T) {
	t.Parallel()

	require.True(t, shouldPrintUsageHint(errors.New("unknown command \"bad\" for \"asrinfer\"")))
	require.True(t, shouldPrintUsageHint(errors.New("unknown flag: --oops")))
	require.True(t, shouldPrintUsageHint(errors.New(`required flag(s) "test_filepath" not set`)))
	require.True(t, shouldPrintUsageHint(errors.New(`invalid argument "gpu" for "-d, --device_id" flag: strconv.ParseInt: parsing "gpu": invalid syntax`)))
	require.True(t, shouldPrintUsageHint(errors.New("flag needs an argument: 'f' in -f")))
	require.False(t, shouldPrintUsageHint(errors.New("accepts 1 arg(s), received 0")))
	require.False(t, shouldPrintUsageHint(errors.New("checkpoint not found: /no/such/file.tar")))
	require.False(t, shouldPrintUsageHint(nil))
}

func TestUsageHintMatchesCommandErrors(t *testing.T) {
	t.Parallel()

	tests := [][]string{
		{"--badflag"},
		{"-d", "gpu", "-f", "a.wav"},
		{"-s", "assets"},
		{"setup", "extra"},
		{"-f"},
	}

	for _, args := range tests {
		root := cli.NewRootCmd()
		root.SetArgs(args)
		root.SetOut(io.Discard)
		root.SetErr(io.Discard)

		err := root.Execute()
		require.Error(t, err, "%v", args)
		require.True(t, shouldPrintUsageHint(err), "%v: %v", args, err)
	}
}

func TestHelpHintTarget(t *testing.T) {
	t.Parallel()

	root := cli.NewRootCmd()
	require.Equal(t, "asrinfer", helpHintTarget(root, []string{"--badflag"}))
	require.Equal(t, "asrinfer", helpHintTarget(root, []string{"-f", "a.wav"}))
	require.Equal(t, "asrinfer setup", helpHintTarget(root, []string{"setup"}))
	require.Equal(t, "asrinfer setup", helpHintTarget(root, []string{"setup", "--repo", "x/y"}))
	require.Equal(t, "asrinfer", helpHintTarget(nil, nil))
}
