// Package systemd carries the daemon's service unit template and the
// integrity check that notices when an installed unit file has been
// edited behind the daemon's back.
package systemd

// DaemonTemplate returns the systemd unit for the cmdwarden daemon. The
// master key is loaded from an EnvironmentFile kept out of the unit
// itself; the sandbox directives confine the daemon to its spool and
// state directories.
func DaemonTemplate() string {
	return `[Unit]
Description=cmdwarden secure command execution daemon
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
User=cmdwarden
EnvironmentFile=/etc/cmdwarden/master.env
ExecStart=/usr/local/bin/cmdwarden serve --config /etc/cmdwarden/config.yaml
Restart=on-failure
RestartSec=2
NoNewPrivileges=true
PrivateTmp=true
ProtectSystem=strict
ProtectHome=read-only
ReadWritePaths=/var/lib/cmdwarden

[Install]
WantedBy=multi-user.target
`
}
