package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := buildRoot().ExecuteContext(ctx)
	stop()
	if err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// exitError carries a script exit code out of the exec command.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("script exited with code %d", e.code) }

// buildRoot creates the root command and wires every subcommand.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	submitFlags := &SubmitFlags{}
	resultsFlags := &ResultsFlags{}
	apiFlags := &APIFlags{}
	importFlags := &ImportFlags{}
	execFlags := &ExecFlags{}
	loginFlags := &LoginFlags{}
	hashFlags := &HashPasswordFlags{}
	templateFlags := &TemplateFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createSubmitCommand(globalFlags, submitFlags),
		createResultsCommand(globalFlags, resultsFlags),
		createCommandsCommand(globalFlags, apiFlags),
		createCancelCommand(globalFlags, apiFlags),
		createJournalCommand(globalFlags, apiFlags),
		createImportCommand(globalFlags, importFlags),
		createTemplateCommand(templateFlags),
		createExecCommand(globalFlags, execFlags),
		createLoginCommand(globalFlags, loginFlags),
		createAuthCommand(hashFlags),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "scriptbatch",
		Short: "Batch runner for work item scripts",
		Long: `Scriptbatch runs the external scripts registered on work item steps
for many work items at once and tracks a result per work item.

Examples:
  scriptbatch serve config.toml
  scriptbatch import --file=items.json
  scriptbatch submit --ids=1,2,3 --step=export
  scriptbatch results runscript --state=FAILED
  scriptbatch exec --workitem=7 -- /opt/scripts/export.sh 7`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")

	return root
}

// createServeCommand creates the serve subcommand
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the scriptbatch server",
		Long: `Start the HTTP API and the batch worker pool.
Configuration is read from the TOML file and SCRIPTBATCH_* variables.

Examples:
  scriptbatch serve                      # defaults plus environment
  scriptbatch serve config.toml
  scriptbatch serve config.toml --daemonize --pidfile=/run/scriptbatch.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				serveFlags.ConfigPath = args[0]
			}
			return runServe(cmd.Context(), *serveFlags)
		},
	}

	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the server PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")

	return cmd
}

// createSubmitCommand creates the submit subcommand
func createSubmitCommand(globalFlags *GlobalFlags, f *SubmitFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a batch command for a list of work items",
		Long: `Submit a batch command to a running server. Without --script every
script of the matching steps runs in order.

Examples:
  scriptbatch submit --ids=1,2,3 --step=export
  scriptbatch submit --ids=7 --step=publish --script=upload --wait`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return newCommand(cmd, globalFlags).Submit(cmd.Context(), *f)
		},
	}

	cmd.Flags().StringVar(&f.Command, "command", "runscript", "batch command name")
	cmd.Flags().IntSliceVar(&f.IDs, "ids", nil, "work item ids (required)")
	cmd.Flags().StringVar(&f.Step, "step", "", "step title to run (required)")
	cmd.Flags().StringVar(&f.Script, "script", "", "script name within the step (default: all scripts)")
	cmd.Flags().StringVar(&f.Submitter, "submitter", os.Getenv("USER"), "user recorded as submitter")
	cmd.Flags().StringToStringVar(&f.Params, "param", nil, "extra parameters (key=value)")
	cmd.Flags().BoolVar(&f.Wait, "wait", false, "wait until every record is finished")
	cmd.Flags().DurationVar(&f.PollInterval, "poll-interval", 500*time.Millisecond, "results polling interval with --wait")
	addAPIFlags(cmd, &f.API)

	if err := cmd.MarkFlagRequired("ids"); err != nil {
		panic(err)
	}
	if err := cmd.MarkFlagRequired("step"); err != nil {
		panic(err)
	}

	return cmd
}

// createResultsCommand creates the results subcommand
func createResultsCommand(globalFlags *GlobalFlags, f *ResultsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "results [command]",
		Short: "Show the results of a batch command",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Command = "runscript"
			if len(args) > 0 {
				f.Command = args[0]
			}
			return newCommand(cmd, globalFlags).Results(cmd.Context(), *f)
		},
	}

	cmd.Flags().StringVar(&f.State, "state", "", "only show records in this state")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON instead of a table")
	addAPIFlags(cmd, &f.API)

	return cmd
}

// createCommandsCommand creates the commands subcommand
func createCommandsCommand(globalFlags *GlobalFlags, f *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "commands",
		Aliases: []string{"list"},
		Short:   "List known batch commands with per-state counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return newCommand(cmd, globalFlags).Commands(cmd.Context(), *f)
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}

// createCancelCommand creates the cancel subcommand
func createCancelCommand(globalFlags *GlobalFlags, f *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <command>",
		Short: "Stop picking up pending work items of a batch command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newCommand(cmd, globalFlags).Cancel(cmd.Context(), *f, args[0])
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}

// createJournalCommand creates the journal subcommand
func createJournalCommand(globalFlags *GlobalFlags, f *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal <work-item-id>",
		Short: "Show the journal of a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid work item id %q", args[0])
			}
			return newCommand(cmd, globalFlags).Journal(cmd.Context(), *f, id)
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}

// createImportCommand creates the import subcommand
func createImportCommand(globalFlags *GlobalFlags, f *ImportFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import work items from a JSON or YAML file",
		Long: `Import work items with their steps and scripts. The file holds an
array of work items, as YAML when it ends in .yaml or .yml and JSON
otherwise. With --api-url the items are sent to a server, otherwise
they are written to the store configured by [store].dsn.

Example file:
[
  {
    "id": 7,
    "title": "Annual report",
    "steps": [
      {"id": 1, "title": "Export", "order": 1,
       "scripts": [{"name": "pdf", "path": "/opt/scripts/pdf.sh", "args": ["{workitemid}"]}]}
    ]
  }
]`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return newCommand(cmd, globalFlags).Import(cmd.Context(), *f)
		},
	}

	cmd.Flags().StringVar(&f.FilePath, "file", "", "path to JSON or YAML file (required)")
	addAPIFlags(cmd, &f.API)

	if err := cmd.MarkFlagRequired("file"); err != nil {
		panic(err)
	}

	return cmd
}

// createTemplateCommand creates the template subcommand
func createTemplateCommand(f *TemplateFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template <type>",
		Short: "Print a work item skeleton for import",
		Long: `Print a one-element work item array that import accepts.

Types: simple, export, pipeline, legacy

Examples:
  scriptbatch template pipeline --id=7 --title="Annual report" > items.json
  scriptbatch template legacy --yaml > items.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printTemplate(cmd.OutOrStdout(), args[0], *f)
		},
	}

	cmd.Flags().IntVar(&f.ID, "id", 1, "work item id")
	cmd.Flags().StringVar(&f.Title, "title", "", "work item title")
	cmd.Flags().StringVar(&f.ScriptDir, "script-dir", "/opt/scripts", "directory of the generated script paths")
	cmd.Flags().BoolVar(&f.YAML, "yaml", false, "print YAML instead of JSON")

	return cmd
}

// createExecCommand creates the exec subcommand
func createExecCommand(globalFlags *GlobalFlags, f *ExecFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec [flags] -- <script> [args...]",
		Short: "Run one script the way a batch step would",
		Long: `Run a single script with the configured script environment and
report its output. The process exits with the script's exit code.
With --legacy the arguments are joined and split like a stored
single-string command line.

Examples:
  scriptbatch exec -- /opt/scripts/export.sh 7 "final draft"
  scriptbatch exec --legacy --workitem=7 -- '/opt/scripts/export.sh 7 "final draft"'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newCommand(cmd, globalFlags).Exec(cmd.Context(), *f, args)
		},
	}

	cmd.Flags().IntVar(&f.WorkItemID, "workitem", 0, "work item id reported with notifications")
	cmd.Flags().BoolVar(&f.Legacy, "legacy", false, "parse the arguments as one command line")

	return cmd
}

// createLoginCommand creates the login subcommand
func createLoginCommand(globalFlags *GlobalFlags, f *LoginFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Exchange a username and password for an API token",
		Long: `Log in to a server with authentication enabled and print the token.
Pass it to other commands with --api-token or SCRIPTBATCH_API_TOKEN.

Examples:
  export SCRIPTBATCH_API_TOKEN=$(scriptbatch login --username=alice)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return newCommand(cmd, globalFlags).Login(cmd.Context(), *f)
		},
	}

	cmd.Flags().StringVar(&f.Username, "username", os.Getenv("USER"), "user name")
	cmd.Flags().StringVar(&f.Password, "password", "", "password (default: SCRIPTBATCH_API_PASSWORD, then prompt)")
	addAPIFlags(cmd, &f.API)

	return cmd
}

// createAuthCommand creates the auth command with subcommands
func createAuthCommand(f *HashPasswordFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authentication helpers",
	}

	hash := &cobra.Command{
		Use:   "hash-password",
		Short: "Print a bcrypt hash for a [[server.auth.users]] entry",
		Long: `Print the password_hash value for a user in [server.auth].
Without --password the password is prompted for on a terminal, or
read from stdin when it is piped.

Examples:
  echo -n secret | scriptbatch auth hash-password`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return hashPassword(cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr(), *f)
		},
	}
	hash.Flags().StringVar(&f.Password, "password", "", "password to hash")
	hash.Flags().IntVar(&f.Cost, "cost", 0, "bcrypt cost (default 10)")

	cmd.AddCommand(hash)
	return cmd
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.URL, "api-url", "", "server URL (e.g. http://host:8080/api)")
	cmd.Flags().DurationVar(&f.Timeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().StringVar(&f.Token, "api-token", os.Getenv("SCRIPTBATCH_API_TOKEN"), "bearer token from 'scriptbatch login'")
	cmd.Flags().StringVar(&f.User, "api-user", "", "basic auth user (password from SCRIPTBATCH_API_PASSWORD)")
}
