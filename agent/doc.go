// Package agent runs prompt turns against a stream-json model process.
//
// A Runner drives one turn of a session through a fixed state machine:
//
//	Start -> SendingPrompt -> AwaitingModelOutput -> Terminal
//	                ^                  |
//	                |                  v
//	          Accumulating <------ ToolGate
//
// Model output is decoded line by line and text is streamed to a Notifier as
// it arrives. Tool calls requested by the model pass through the permission
// gate, run through a tools.Executor and are fed back as one line of tool
// results. Every turn ends with a TurnResult whose metadata reports how many
// model round-trips it used.
//
// Subpackages provide the two Notifier front ends: agent/acp speaks the Agent
// Client Protocol over stdio and agent/terminal asks on a terminal.
package agent
