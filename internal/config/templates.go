package config

import (
	"fmt"
	"os"
)

// WriteTemplate writes an annotated default config to path.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(Template), 0o600)
}

// Template parses to DefaultConfig plus one commented-out client.
const Template = `[session]
network = "tcp"            # tcp | quic
security_mode = "development"
connect_timeout = "5s"
handshake_timeout = "5s"
write_timeout = "15s"
keepalive = "15s"
max_connect_attempts = 3

[session.backoff]
initial = "250ms"
multiplier = 2.0
max = "5s"
jitter = true

[session.tls]
enabled = false

[keystore]
backend = "memory"         # memory | bolt | redis | host
# path = "taulink.keys.db"
# redis_url = "redis://localhost:6379/0"
call_timeout = "10s"

[crypto]
dek_algorithm = "AES"
personal_algorithm = "ECIES"

[admin]
# listen = "127.0.0.1:7020"
# token = "change-me"

# [[clients]]
# id = "2b0f6f0e-8d55-4d1c-9f38-0f5e0c1b7a11"
# link = "sandnode://alice@node.example?encryption=ECIES&key=..."
`
