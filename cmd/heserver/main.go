// Command heserver runs the HE graph-execution server of spec §1: it
// loads a pre-compiled computation graph and a set of encryption
// parameters, then serves either a single client-aided session (spec
// §4.5/§4.6) or, with no client attached, evaluates the graph directly
// against locally supplied inputs.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/YSDB/he-transformer-research/internal/config"
)

var (
	flagListenAddr     string
	flagGraphPath      string
	flagEncParams      string
	flagEnableClient   bool
	flagEnableGC       bool
	flagTensorAttrs    []string
	flagInputPath      string
	flagOutputPath     string
	flagLogFile        string
	flagMetricsAddr    string
	flagParallel       int
	flagEnablePerfColl bool // accepted, unused - see DESIGN.md Open Question decisions
)

func init() {
	rootCmd.Flags().StringVar(&flagListenAddr, "listen", ":9443", "address to accept the client-aided protocol connection on")
	rootCmd.Flags().StringVar(&flagGraphPath, "graph", "", "path to the pre-compiled computation graph (JSON)")
	rootCmd.Flags().StringVar(&flagEncParams, "encryption-parameters", "", "encryption parameters, as a JSON string or a path to one")
	rootCmd.Flags().BoolVar(&flagEnableClient, "enable-client", false, "wait for a client-aided session before evaluating the graph")
	rootCmd.Flags().BoolVar(&flagEnableGC, "enable-gc", false, "reserved for the garbled-circuit offload path (named interface only)")
	rootCmd.Flags().StringArrayVar(&flagTensorAttrs, "tensor-attr", nil, "repeatable name=attr1,attr2 (client_input, encrypt, packed)")
	rootCmd.Flags().StringVar(&flagInputPath, "input", "", "path to a JSON map of parameter name to float64 values, for non-client evaluation")
	rootCmd.Flags().StringVar(&flagOutputPath, "output", "", "path to write the JSON result map to (defaults to stdout)")
	rootCmd.Flags().StringVar(&flagLogFile, "log-file", "", "rotate logs into this file instead of stdout")
	rootCmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address")
	rootCmd.Flags().IntVar(&flagParallel, "parallel", 1, "max goroutines per kernel's fork-join parallel-for")
	rootCmd.Flags().BoolVar(&flagEnablePerfColl, "enable-performance-collection", false, "accepted for compatibility, currently has no effect")

	if err := rootCmd.MarkFlagRequired("graph"); err != nil {
		panic(err)
	}
}

var rootCmd = &cobra.Command{
	Use:   "heserver",
	Short: "Serve a pre-compiled CKKS computation graph",
	RunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()
		return runServe()
	},
}

func setupLogging() {
	level := config.LogLevel()
	logrus.SetLevel(levelFromVerbosity(level))
	logrus.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
	if flagLogFile != "" {
		logrus.SetOutput(&lumberjack.Logger{
			Filename:   flagLogFile,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		})
	}
}

// levelFromVerbosity maps NGRAPH_HE_LOG_LEVEL's integer scale (spec §6,
// higher means more verbose) onto logrus's level enum.
func levelFromVerbosity(v int) logrus.Level {
	switch {
	case v <= 0:
		return logrus.InfoLevel
	case v == 1:
		return logrus.DebugLevel
	default:
		return logrus.TraceLevel
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
