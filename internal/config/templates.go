package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "engine", "local":
		return engineTemplate, nil
	case "lab", "remote":
		return labTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const engineTemplate = `name = "droidctl"

[adb]
executable = ""
command_timeout = "30s"
spawn_rate = 0
spawn_burst = 0

[executor]
workers = 16
wait_timeout = "30m"
status_retention = 500

[retry]
enabled = true
base_delay = "30s"
multiplier = 2.0
max_delay = "10m"
max_attempts = 5
interval = "5s"
history = 50

[schedule]
interval = "5s"

[store]
driver = "file"
path = "var/droidctl"

[ops]
addr = "127.0.0.1:9470"
token = ""
token_file = ""

[modules]
enabled = []

[[workflows]]
id = "smoke"
name = "Radio smoke test"

[[workflows.steps]]
module = "airplane_mode"
params = { enabled = false }

[[workflows.steps]]
module = "registration"

[[workflows.steps]]
module = "ping"
params = { host = "8.8.8.8", duration = 10 }
`

const labTemplate = `name = "droidctl-lab"

[adb]
command_timeout = "45s"
spawn_rate = 10
spawn_burst = 4

[adb.ssh]
enabled = true
host = "lab-host.local"
port = "22"
user = "tester"
key_path = "~/.ssh/id_ed25519"
known_hosts_path = "~/.ssh/known_hosts"
dial_timeout = "10s"

[executor]
workers = 32
wait_timeout = "45m"

[store]
driver = "sqlite"
path = "var/droidctl.db"

[ops]
addr = ":9470"
token = "change-me"

[[workflows]]
id = "voice-regression"
name = "Voice regression"

[[workflows.steps]]
module = "registration"

[[workflows.steps]]
module = "call_test"
params = { number = "+15550100", duration = 20, repeat = 3 }

[[workflows.steps]]
module = "end_call"
continue_on_error = true
`
