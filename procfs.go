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

//go:build linux

package kunwind

import "golang.org/x/sys/unix"

// ProcessAlive reports whether pid currently exists, using the
// zero-signal kill(2) idiom (sending signal 0 performs the existence
// and permission checks without actually delivering a signal).
// Lifecycle.SchedulerExit uses this to detect a stale exit
// notification racing a /proc rescan, tearing down Trie/ProcessTable
// entries only when the PID is confirmed gone.
func ProcessAlive(pid uint32) bool {
	err := unix.Kill(int(pid), 0)
	if err == nil {
		return true
	}
	return err != unix.ESRCH
}
