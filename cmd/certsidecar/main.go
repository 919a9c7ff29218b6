package main

import (
	"fmt"
	"os"

	"github.com/function61/gokit/dynversion"
	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/ossignal"
	"github.com/spf13/cobra"
)

func main() {
	app := &cobra.Command{
		Use:     os.Args[0],
		Short:   "Cert Sidecar keeps your workload supplied with a fresh TLS identity from Vault PKI, and terminates TLS for it",
		Version: dynversion.Version,
	}

	app.AddCommand(serveEntry())
	app.AddCommand(issueOnceEntry())
	app.AddCommand(confDisplayEntry())

	if err := app.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func serveEntry() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Obtain a certificate, keep it renewed and proxy TLS to the backend",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			rootLogger := logex.StandardLogger()

			if err := serve(ossignal.InterruptOrTerminateBackgroundCtx(rootLogger), rootLogger); err != nil {
				panic(err)
			}
		},
	}
}

func issueOnceEntry() *cobra.Command {
	return &cobra.Command{
		Use:   "issue-once",
		Short: "Obtain a certificate, write its artifacts and exit (e.g. for init containers)",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			rootLogger := logex.StandardLogger()

			if err := issueOnce(ossignal.InterruptOrTerminateBackgroundCtx(rootLogger), rootLogger); err != nil {
				panic(err)
			}
		},
	}
}

func confDisplayEntry() *cobra.Command {
	return &cobra.Command{
		Use:   "conf-display",
		Short: "Display the configuration resolved from ENV",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if err := confDisplay(os.Stdout); err != nil {
				panic(err)
			}
		},
	}
}
