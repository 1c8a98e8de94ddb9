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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stealthrocket/kunwind"
)

var simulateCount int

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Feed a synthetic pure-native sample through a Runtime and print the resulting counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt := kunwind.NewRuntime(kunwind.NewConfig(), kunwind.ArchAMD64)

		const pid = uint32(1234)
		const fileID = kunwind.FileID(0xF)

		rt.Trie().InstallMapping(pid, 0x400000, 0x1000, kunwind.MappingEntry{
			File: fileID, Bias: 0x400000, Program: kunwind.ProgNative,
		})
		rt.Deltas().InstallPage(fileID, 0, []kunwind.StackDelta{
			{AddrLow: 0, Ref: kunwind.MakeCommandRef(kunwind.DeltaStop)},
		}, nil)

		for i := 0; i < simulateCount; i++ {
			rt.Sample(pid, kunwind.Registers{PC: 0x400123, SP: 0x7ffe0000, FP: 0x7ffe0000}, -1)
		}

		snap := rt.Metrics().Snapshot()
		fmt.Printf("known traces: %d\n", rt.Dedup().KnownTraceCount())
		for name, v := range snap {
			if v != 0 {
				fmt.Printf("%s = %d\n", name, v)
			}
		}
		return nil
	},
}

func init() {
	simulateCmd.Flags().IntVar(&simulateCount, "count", 2, "number of identical samples to feed through")
	rootCmd.AddCommand(simulateCmd)
}
