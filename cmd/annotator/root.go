package main

import (
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

func newRootCmd(out io.Writer) *cobra.Command {
	a := newApp(out)
	root := &cobra.Command{
		Use:           "annotator",
		Short:         "Coordinate mental-health annotation workers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkConfirmed(cmd); err != nil {
				return err
			}
			if !needsConfig(cmd) {
				return nil
			}
			return a.load(cmd.Context())
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVarP(&a.configDir, "config", "c", defaultConfigDir, "configuration directory")
	root.PersistentFlags().BoolVar(&a.asJSON, "json", false, "print results as JSON")

	root.AddCommand(
		runCmd(a),
		workerCmd(a),
		serveMetricsCmd(a),
		launchCmd(a),
		controlCmd(a, "stop", "Cancel worker workflows", stopWorker),
		controlCmd(a, "pause", "Pause worker workflows after the unit in flight", pauseWorker),
		controlCmd(a, "resume", "Resume paused worker workflows", resumeWorker),
		statusCmd(a),
		syncCmd(a),
		consolidateCmd(a),
		verifyCmd(a),
		snapshotCmd(a),
		resetCmd(a),
		validateCmd(a),
	)
	return root
}

// withApp wraps a RunE so the app's handles are released after the command,
// joining any close error with the command's.
func withApp(a *app, fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := fn(cmd, args)
		return multierr.Append(err, a.close())
	}
}
