package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/interlock/client"
)

const defaultServerURL = "http://127.0.0.1:7390"

type clientFlags struct {
	server  string
	apiKey  string
	project string
	agent   string
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "interlock",
		Short:         "Lease-based coordination of files and slot pools between agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cf := &clientFlags{}
	pf := root.PersistentFlags()
	pf.StringVar(&cf.server, "server", envOr("INTERLOCK_URL", defaultServerURL), "server base URL for client commands")
	pf.StringVar(&cf.apiKey, "api-key", os.Getenv("INTERLOCK_API_KEY"), "API key for client commands")
	pf.StringVar(&cf.project, "project", os.Getenv("INTERLOCK_PROJECT"), "project to act on")
	pf.StringVar(&cf.agent, "agent", os.Getenv("INTERLOCK_AGENT"), "agent name to act as")

	root.AddCommand(
		newServeCommand(),
		newSweepCommand(),
		newInitCommand(),
		newGrantCommand(),
		newLeasesCommand(cf),
		newPoolsCommand(cf),
		newAgentsCommand(cf),
		newVersionCommand(),
	)
	return root
}

func (cf *clientFlags) client() *client.Client {
	return client.New(cf.server,
		client.WithAPIKey(cf.apiKey),
		client.WithProject(cf.project),
		client.WithAgent(cf.agent),
	)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
