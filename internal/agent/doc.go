// Package agent contains the bounded control loop at the core of the engine.
// A declaratively defined agent is run as a sequential state machine that
// renders prompts, queries a generation backend, dispatches the requested
// tool calls and folds their results back into the run state until a
// termination condition fires.
package agent
