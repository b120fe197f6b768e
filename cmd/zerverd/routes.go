package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/monstercameron/zerver/internal/pipeline"
	"github.com/monstercameron/zerver/internal/router"
	"github.com/spf13/cobra"
)

// routesCmd builds the router without starting any reactor pool or
// listener and prints the registered method+pattern table, so an
// operator can check what a given config would serve without standing
// up the whole daemon.
func routesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "List the routes zerverd would serve",
		RunE: func(cmd *cobra.Command, args []string) error {
			r := router.New()
			srv := pipeline.New(r, nil, nil, nil, nil, nil)
			routes := registerOperationalRoutes(srv)

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "METHOD\tPATTERN")
			for _, route := range routes {
				fmt.Fprintf(w, "%s\t%s\n", route.Method, route.Pattern)
			}
			return w.Flush()
		},
	}
	return cmd
}
