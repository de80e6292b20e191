package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openmined/syftbridge/internal/scaffold"
)

var createDir string
var createModule string
var createForce bool

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create syftbridge projects from templates",
}

var createAppCmd = &cobra.Command{
	Use:   "app NAME",
	Short: "Create a new SyftBox app",
	Long: `Create a new SyftBox app from the built-in template.

The template wires a /hello route through the RPC bridge, ships an
app.yaml with the debug tool enabled, and a go.mod requiring the
framework. The app directory is named after NAME and refused when it
already exists unless --force is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runCreateApp,
}

func runCreateApp(cmd *cobra.Command, args []string) error {
	logger := buildLogger()
	name := args[0]

	target, err := scaffold.Create(scaffold.Options{
		AppName:    name,
		Dir:        createDir,
		ModulePath: createModule,
		Force:      createForce,
	})
	if err != nil {
		return err
	}
	logger.Debug("app template rendered", "app", name, "target", target)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "App %s created successfully at %s\n", name, target)
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintf(out, "  cd %s\n", target)
	fmt.Fprintln(out, "  go mod tidy")
	fmt.Fprintln(out, "  go run .")
	return nil
}

func init() {
	createAppCmd.Flags().StringVar(&createDir, "dir", "", "parent directory for the new app (default: current directory)")
	createAppCmd.Flags().StringVar(&createModule, "module", "", "module path for the generated go.mod (default: the app name)")
	createAppCmd.Flags().BoolVar(&createForce, "force", false, "overwrite files in an existing app directory")
	createCmd.AddCommand(createAppCmd)
	rootCmd.AddCommand(createCmd)
}
