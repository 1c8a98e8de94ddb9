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

package main

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/stealthrocket/kunwind"
	"github.com/stealthrocket/kunwind/internal/logging"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a Runtime and expose its dedup store over a debug pprof endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt := kunwind.NewRuntime(kunwind.NewConfig(), kunwind.ArchAMD64)

		mux := http.NewServeMux()
		mux.Handle("/debug/pprof/unwind", kunwind.DebugHandler(rt))

		logging.Info("kunwind serve listening", "addr", serveAddr)
		return http.ListenAndServe(serveAddr, mux)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":6676", "address to serve the debug endpoint on")
	rootCmd.AddCommand(serveCmd)
}
