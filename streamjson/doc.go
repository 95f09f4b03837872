// Package streamjson converts between ACP content blocks and the
// line-delimited stream-json protocol spoken by the model subprocess.
//
// Every function in this package is pure: no I/O, no shared state, and the
// same input always produces the same output, so it is safe to call from any
// number of sessions at once.
//
// # Input
//
// EncodePrompt turns a sequence of content blocks into exactly one line:
//
//	{"type":"user","message":{"role":"user","content":[{"type":"text","text":"hi"}]}}
//
// Text and base64 images are carried as-is. Blocks the model cannot take
// directly (resource links, embedded resources, audio) become text sections
// tagged with an "acp_source" marker naming the original block type.
// EncodeToolResults builds the line that returns tool output to the model.
//
// # Output
//
// Decode maps one output line to the events it carries, in order:
//
//   - "assistant" text blocks become TextChunk
//   - "assistant" tool_use blocks become ToolUseRequest
//   - usage and cost fields become Metadata
//   - a "result" record becomes EndOfTurn
//   - "error" records become EndOfTurn with StopError
//   - undecodable lines become Malformed
//
// End of turn is only ever signalled by the "result" record, never by the
// end of the stream.
package streamjson
