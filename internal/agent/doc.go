// ABOUTME: Package documentation for the consumed agent interfaces
// ABOUTME: Declares the boundary between crewd and the reasoning loop

// Package agent declares the interfaces crewd consumes to execute agent
// runs. The reasoning loop and tool execution live behind Runner; crewd's
// concern ends at handing over a prompt, prior context, and an event
// stream, and interpreting the structured result.
package agent
