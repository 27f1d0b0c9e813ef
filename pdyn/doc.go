// Package pdyn is a tracing just-in-time specializer for a small dynamic
// stack-bytecode host. The first time a host function runs, pdyn decodes
// its bytecode, rebuilds the control-flow graph, symbolically executes it
// into a dataflow graph with guards, and installs a wrapper in the
// function's namespace. Later calls check the guards and replay the graph;
// a failing guard invalidates the trace and retraces, so the wrapper never
// returns anything the original would not have returned.
package pdyn
