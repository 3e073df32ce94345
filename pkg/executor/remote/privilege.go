package remote

import (
	"strings"
)

// Elevation is how a remote command gains or drops privileges.
type Elevation int

const (
	ElevateNone Elevation = iota
	// ElevateSudo runs the command through "sudo -S" with the root password on stdin.
	ElevateSudo
	// ElevateDrop runs the command as an unprivileged user through su.
	ElevateDrop
)

func (e Elevation) String() string {
	switch e {
	case ElevateSudo:
		return "sudo"
	case ElevateDrop:
		return "drop"
	default:
		return "none"
	}
}

// ChooseElevation applies the privilege table: root is gained with sudo
// when needed and missing, and dropped when present but not needed and
// a user to drop to is known.
func ChooseElevation(needsRoot bool, loginUser, dropUser string) Elevation {
	isRoot := loginUser == "root"
	switch {
	case needsRoot && !isRoot:
		return ElevateSudo
	case !needsRoot && isRoot && dropUser != "" && dropUser != "root":
		return ElevateDrop
	default:
		return ElevateNone
	}
}

// WrapCommand builds the remote shell command running cmd inside dir
// with the given elevation.
func WrapCommand(dir, cmd string, elevation Elevation, dropUser string) string {
	inner := "cd " + shellQuote(dir) + " && " + cmd
	switch elevation {
	case ElevateSudo:
		return "sudo -S -p '' bash -c " + shellQuote(inner)
	case ElevateDrop:
		u := shellQuote(dropUser)
		// Fall back to root when the user does not exist on the host.
		return "if id -u " + u + " >/dev/null 2>&1; then chown -R " + u + " " + shellQuote(dir) +
			" && su " + u + " -s /bin/bash -c " + shellQuote(inner) + "; else " + inner + "; fi"
	default:
		return inner
	}
}

// shellQuote quotes s for a POSIX shell.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}
