// Package terminal is the interactive command-line front end.
//
// A Terminal reads prompts line by line, runs each as a turn of one session
// and prints the streamed reply. Tool calls that need consent are asked on
// the terminal:
//
//	y, yes     allow this call
//	a, always  allow and remember the answer
//	n, no      refuse this call
//	v, never   refuse and remember the answer
//
// Verbosity controls how much of each tool call is shown: none prints only
// the reply, info adds a title line per call and its failures, and all adds
// arguments, output and usage figures.
package terminal
