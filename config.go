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

package kunwind

// FrameBudgets bounds how many frames a single invocation of each
// unwinder program may push before it must tail-call itself, switch
// language, or terminate (§4.3, §4.4). The defaults are the values
// named in spec: native=4, python=10, php=20, ruby=30, perl=12,
// v8=10, hotspot=4.
type FrameBudgets struct {
	Native  int
	Python  int
	PHP     int
	Ruby    int
	Perl    int
	V8      int
	HotSpot int
}

// DefaultFrameBudgets returns the per-call frame budgets named in the
// component design.
func DefaultFrameBudgets() FrameBudgets {
	return FrameBudgets{
		Native:  4,
		Python:  10,
		PHP:     20,
		Ruby:    30,
		Perl:    12,
		V8:      10,
		HotSpot: 4,
	}
}

// Config holds the knobs that alter how a Dispatcher runs without
// changing the normative wire format or hash formula.
type Config struct {
	Budgets FrameBudgets

	// MaxStackLen carries MAX_STACK_LEN (§3). The unwinders do not read
	// it; the per-trace frame ceiling that Scratch enforces is
	// MaxFrameUnwinds.
	MaxStackLen int

	// EventRingSize bounds the depth of the Events channel (§4.7).
	EventRingSize int

	// DedupShards is a shard count for the dedup maps (§5: "sharded
	// hash tables"). The Deduper does not read it: it keeps a single
	// RWMutex-guarded map set.
	DedupShards int
}

// Option configures a Config constructed by NewConfig.
type Option func(*Config)

// WithFrameBudgets overrides the default per-language frame budgets.
func WithFrameBudgets(b FrameBudgets) Option {
	return func(c *Config) { c.Budgets = b }
}

// WithEventRingSize overrides the default event channel capacity.
func WithEventRingSize(n int) Option {
	return func(c *Config) { c.EventRingSize = n }
}

// WithDedupShards overrides the default dedup map shard count.
func WithDedupShards(n int) Option {
	return func(c *Config) { c.DedupShards = n }
}

// NewConfig builds a Config from defaults plus options.
func NewConfig(options ...Option) Config {
	c := Config{
		Budgets:       DefaultFrameBudgets(),
		MaxStackLen:   MaxStackLen,
		EventRingSize: 4096,
		DedupShards:   32,
	}
	for _, opt := range options {
		opt(&c)
	}
	return c
}
