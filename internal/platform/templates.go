package platform

import (
	"bytes"
	"fmt"
	"text/template"
)

// serviceData feeds the service definition templates. Env is rendered in
// sorted key order, which text/template guarantees for map ranges.
type serviceData struct {
	Label      string
	BinaryPath string
	WorkingDir string
	LogPath    string
	PathEnv    string
	Home       string
	Env        map[string]string
}

var launchdPlist = template.Must(template.New("plist").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>

    <key>ProgramArguments</key>
    <array>
        <string>{{.BinaryPath}}</string>
        <string>daemon</string>
        <string>run</string>
    </array>

    <key>RunAtLoad</key>
    <true/>

    <key>KeepAlive</key>
    <true/>

    <key>ThrottleInterval</key>
    <integer>10</integer>

    <key>WorkingDirectory</key>
    <string>{{.WorkingDir}}</string>

    <key>StandardOutPath</key>
    <string>{{.LogPath}}</string>

    <key>StandardErrorPath</key>
    <string>{{.LogPath}}</string>

    <key>EnvironmentVariables</key>
    <dict>
        <key>PATH</key>
        <string>{{.PathEnv}}</string>
        <key>HOME</key>
        <string>{{.Home}}</string>
{{- range $key, $value := .Env}}
        <key>{{$key}}</key>
        <string>{{$value}}</string>
{{- end}}
    </dict>
</dict>
</plist>
`))

var systemdUnit = template.Must(template.New("unit").Parse(`[Unit]
Description=Warden agent supervision daemon
After=network.target

[Service]
Type=simple
ExecStart={{.BinaryPath}} daemon run
WorkingDirectory={{.WorkingDir}}
Restart=on-failure
RestartSec=10

StandardOutput=append:{{.LogPath}}
StandardError=append:{{.LogPath}}

Environment="PATH={{.PathEnv}}"
Environment="HOME={{.Home}}"
{{- range $key, $value := .Env}}
Environment="{{$key}}={{$value}}"
{{- end}}

[Install]
WantedBy=default.target
`))

func renderLaunchdPlist(data serviceData) ([]byte, error) {
	var buf bytes.Buffer
	if err := launchdPlist.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render launchd plist: %w", err)
	}
	return buf.Bytes(), nil
}

func renderSystemdUnit(data serviceData) ([]byte, error) {
	var buf bytes.Buffer
	if err := systemdUnit.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render systemd unit: %w", err)
	}
	return buf.Bytes(), nil
}
