// Package template implements the variable resolution engine used to build
// agent prompts and shell commands. A render pass substitutes namespace
// variables, lazily computed built-ins, file inclusions and inline tool-call
// expressions, with per-render memoization of tool results and bounded
// inclusion depth.
package template
