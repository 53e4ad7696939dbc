//go:build !unix

package tools

// noFollowFlag is unavailable on this platform; the workspace resolver
// still rejects symlink escapes before the open.
const noFollowFlag = 0
