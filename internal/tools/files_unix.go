//go:build unix

package tools

import "syscall"

// noFollowFlag refuses to follow a symlink on the final path component.
const noFollowFlag = syscall.O_NOFOLLOW
