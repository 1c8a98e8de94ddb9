//  Copyright 2023 Stealth Rocket, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command kunwind drives the unwinding core outside of a kernel: it
// wires a Runtime to a debug HTTP endpoint and, in "simulate" mode, to
// synthetic samples useful for exercising the pipeline without a live
// eBPF attachment.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stealthrocket/kunwind/internal/logging"
)

var (
	globalLogLevel  string
	globalLogFormat string
)

var rootCmd = &cobra.Command{
	Use:   "kunwind",
	Short: "Mixed-language stack unwinding core",
	Long: `kunwind is the dispatcher, lookup tables and trace hasher/deduper
for a whole-machine CPU profiler's unwinding pipeline.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logging.SetDefault(logging.NewLogger(logging.Config{
			Level:  logging.ParseLevel(globalLogLevel),
			Format: globalLogFormat,
		}))
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalLogLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&globalLogFormat, "log-format", "text", "log format: text or json")
}

// rootContext returns a context canceled on SIGINT/SIGTERM, the same
// lifecycle pattern as the signal.NotifyContext usage this CLI is
// grounded on.
func rootContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return ctx
}
