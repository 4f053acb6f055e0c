package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/readability-server/internal/readability"
	"github.com/JakeFAU/readability-server/internal/server"
)

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()

	require.NotNil(t, root.PersistentFlags().Lookup("config"))

	serve, _, err := root.Find([]string{"serve"})
	require.NoError(t, err)
	require.Equal(t, "serve", serve.Name())

	w, _, err := root.Find([]string{server.WorkerCommand})
	require.NoError(t, err)
	require.True(t, w.Hidden)
	flag := w.Flags().Lookup("handler")
	require.NotNil(t, flag)
	require.Equal(t, readability.HandlerName, flag.DefValue)
	require.NotNil(t, w.Flags().Lookup("development"))
}

func TestServeFailsOnBadConfig(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"serve", "--config", t.TempDir() + "/missing.yaml"})
	err := root.Execute()
	require.ErrorContains(t, err, "load config")
}
