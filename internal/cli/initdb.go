package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"budgenator/internal/app"
)

func init() {
	cmd := &cobra.Command{
		Use:   "initdb",
		Short: "Create the sqlite stores and seed the message catalog",
		Long:  "Opens (and thereby migrates) the core and schedule stores, writes the embedded default texts into the message catalog and, when catalog.path is configured, loads the operator file on top.",
		Run:   runInitDB,
	}
	RootCmd.AddCommand(cmd)
}

func runInitDB(cmd *cobra.Command, args []string) {
	a, err := app.NewHeadless(cfgPath)
	if err != nil {
		exitErr("initdb", err)
	}
	defer a.Close()

	ctx := cmd.Context()
	n, err := a.Catalog().Seed(ctx)
	if err != nil {
		exitErr("seed catalog", err)
	}
	fmt.Printf("stores ready, %d default messages seeded\n", n)

	if path := a.Config().Catalog.Path; path != "" {
		m, err := a.Catalog().LoadFile(ctx, path)
		if err != nil {
			exitErr("load messages", err)
		}
		fmt.Printf("%d messages loaded from %s\n", m, path)
	}
}
