/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package execution

// State is the lifecycle state of an execution.
type State string

const (
	StateQueued  State = "QUEUED"
	StateRunning State = "RUNNING"
	StateSuccess State = "SUCCESS"
	StateError   State = "ERROR"
	StateTimeout State = "TIMEOUT"
)

// Terminal reports whether no further progress is expected from this state.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateError || s == StateTimeout
}

// transitions lists the legal moves of the state machine. RUNNING -> QUEUED is a retry.
var transitions = map[State][]State{
	StateQueued:  {StateRunning, StateTimeout, StateError},
	StateRunning: {StateSuccess, StateError, StateTimeout, StateQueued},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
