// Command akwbsctl sends the control signals a running akwbs daemon
// understands: SIGTERM for a clean shutdown and SIGUSR1 to request a
// config reload. It is a thin wrapper around os.Process.Signal so
// operators do not need to remember the signal numbers.
package main

import (
	"fmt"
	"os"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	var pidFile string

	root := &cobra.Command{
		Use:   "akwbsctl",
		Short: "control a running akwbs daemon",
	}
	root.PersistentFlags().StringVar(&pidFile, "pid-file", "akwbs.pid", "file containing the daemon's process ID")

	root.AddCommand(&cobra.Command{
		Use:   "reload",
		Short: "ask the daemon to re-read its akwbs.conf reload file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return signalPID(pidFile, syscall.SIGUSR1)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "ask the daemon to shut down cleanly",
		RunE: func(cmd *cobra.Command, args []string) error {
			return signalPID(pidFile, syscall.SIGTERM)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func signalPID(pidFile string, sig syscall.Signal) error {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return fmt.Errorf("akwbsctl: read pid file %s: %w", pidFile, err)
	}

	pid, err := strconv.Atoi(trimNewline(string(data)))
	if err != nil {
		return fmt.Errorf("akwbsctl: pid file %s does not contain a process ID: %w", pidFile, err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("akwbsctl: find process %d: %w", pid, err)
	}

	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("akwbsctl: signal process %d: %w", pid, err)
	}
	return nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
