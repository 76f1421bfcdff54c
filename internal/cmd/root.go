// Package cmd implements the primeloop command line.
package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/3leaps/primeloop/internal/config"
	"github.com/3leaps/primeloop/internal/observability"
)

const binaryName = "primeloop"

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "none",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata injected by the linker.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	debugMode    bool
	workDir      string
	registerOnly bool
)

var rootCmd = &cobra.Command{
	Use:   binaryName,
	Short: "Keep a GIMPS work queue in sync with PrimeNet",
	Long: `primeloop keeps the computation engine's worktodo.ini stocked with
assignments, reports progress on queued work and submits finished results.

Settings given on the command line are saved to local.yaml in the work
directory and reused by later runs.

Examples:
  # Register this machine, then run the loop every 6 hours
  primeloop -w ~/gimps -u alice -p secret -r --hostname worker-01 -c "Intel(R) Core(TM) i7"
  primeloop -w ~/gimps

  # One cycle and exit
  primeloop -w ~/gimps -t 0`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		observability.InitCLILogger(binaryName, debugMode)
	},
	RunE: runRoot,
}

// nodeFlag binds a command line flag to a configuration key.
type nodeFlag struct {
	name  string
	short string
	key   string
	isInt bool
	usage string
}

var nodeFlags = []nodeFlag{
	{"username", "u", "username", false, "PrimeNet user name"},
	{"password", "p", "password", false, "PrimeNet password"},
	{"worktype", "T", "worktype", false, "Preferred work type: code (100-153) or name, e.g. DoubleCheck (default 101)"},
	{"num_cache", "n", "num_cache", true, "Number of assignments to keep queued (default 2)"},
	{"percent_limit", "L", "percent_limit", true, "Queue one extra assignment once the head passes this percentage (default 90)"},
	{"timeout", "t", "timeout", true, "Seconds between cycles; 0 runs a single cycle (default 21600)"},
	{"hostname", "", "hostname", false, "Computer name shown on the PrimeNet account (max 20 chars)"},
	{"cpu_model", "c", "cpu_model", false, "CPU model sent at registration (8-64 chars)"},
	{"features", "", "features", false, "CPU feature flags sent at registration"},
	{"frequency", "", "frequency", true, "CPU frequency in MHz (default 100)"},
	{"memory", "", "memory", true, "Memory in MiB available to the engine (default: installed memory)"},
	{"L1", "", "l1", true, "L1 cache size in KiB (default 8)"},
	{"L2", "", "l2", true, "L2 cache size in KiB (default 512)"},
	{"np", "", "np", true, "Number of cores (default 1)"},
	{"status-addr", "", "status_addr", false, "Serve /health and /status on this address, e.g. 127.0.0.1:8177"},
}

// addNodeFlags registers the configuration flags. Defaults live in the
// config layer so that an unset flag never shadows a stored value.
func addNodeFlags(fs *pflag.FlagSet) {
	for _, f := range nodeFlags {
		if f.isInt {
			fs.IntP(f.name, f.short, 0, f.usage)
		} else {
			fs.StringP(f.name, f.short, "", f.usage)
		}
	}
}

// nodeOverrides returns the explicitly set configuration flags keyed by
// configuration key.
func nodeOverrides(fs *pflag.FlagSet) map[string]any {
	keys := make(map[string]string, len(nodeFlags))
	for _, f := range nodeFlags {
		keys[f.name] = f.key
	}
	out := map[string]any{}
	fs.Visit(func(f *pflag.Flag) {
		if key, ok := keys[f.Name]; ok {
			out[key] = f.Value.String()
		}
	})
	return out
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&debugMode, "debug", "d", false, "Enable debug logging")
	pf.StringVarP(&workDir, "workdir", "w", ".", "Work directory holding worktodo.ini and results.txt")
	addNodeFlags(pf)

	rootCmd.Flags().BoolVarP(&registerOnly, "register", "r", false, "Register this machine and exit")
}

// loadConfig reads the configuration for cmd's work directory.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(workDir, nodeOverrides(cmd.Flags()))
	if err != nil {
		return nil, exitError(exitInvalidArgument, "Failed to load configuration", err)
	}
	return cfg, nil
}

func runRoot(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if registerOnly {
		return runRegistration(cmd.Context(), cfg, cmd.OutOrStdout())
	}
	return runLoop(cmd.Context(), cfg)
}

// Execute runs the command line and returns the process exit code.
func Execute(ctx context.Context) int {
	// Flag parse errors are reported before PersistentPreRun runs.
	observability.InitCLILogger(binaryName, false)
	defer observability.Sync()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	observability.CLILogger.Error(err.Error())
	return ExitCode(err)
}
