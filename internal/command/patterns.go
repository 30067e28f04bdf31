package command

import "regexp"

// DefaultForbidden lists base commands that are refused regardless of
// any allowlist entry. Configuration may extend this list but cannot
// remove entries.
var DefaultForbidden = []string{
	"sudo", "su", "doas",
	"rm", "rmdir", "unlink", "shred",
	"dd", "mkfs", "fdisk", "parted",
	"mount", "umount",
	"shutdown", "reboot", "halt", "poweroff", "init",
	"passwd", "chpasswd", "useradd", "userdel", "usermod",
	"chown", "chmod", "chgrp",
	"kill", "killall", "pkill",
	"iptables", "nft", "ufw",
	"systemctl", "service",
	"eval", "exec", "source",
	"sh", "bash", "zsh", "fish", "dash", "ksh",
	"python", "python3", "perl", "ruby", "node",
	"nc", "ncat", "socat", "telnet",
	"curl", "wget",
	"ssh", "scp", "sftp", "rsync",
	"crontab", "at",
	"insmod", "rmmod", "modprobe",
}

// dangerousPattern names one class of injection attempt. The name is
// internal detail for logs; callers only see a generic rejection.
type dangerousPattern struct {
	name string
	re   *regexp.Regexp
}

// dangerousPatterns match the raw command string before tokenization.
// A hit anywhere in the string rejects the whole command; there is no
// quoting or escaping that makes these characters acceptable here.
var dangerousPatterns = []dangerousPattern{
	{"command substitution", regexp.MustCompile("\\$\\(|`")},
	{"shell metacharacters", regexp.MustCompile(`[;&|<>(){}\[\]\\$]`)},
	{"directory traversal", regexp.MustCompile(`\.\./|\.\.\\`)},
	{"control characters", regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)},
	{"home expansion", regexp.MustCompile(`~[/a-zA-Z]`)},
}

// findDangerous returns the name of the first matching pattern, or "".
func findDangerous(s string) string {
	for _, p := range dangerousPatterns {
		if p.re.MatchString(s) {
			return p.name
		}
	}
	return ""
}
