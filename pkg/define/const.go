package define

import "time"

var (
	Version  = ""
	CommitID = ""
)

const (
	DefaultCommandTimeout    = 30 * time.Second
	DefaultScriptTimeout     = 5 * time.Minute
	DefaultDialTimeout       = 10 * time.Second
	DefaultKeepaliveInterval = 30 * time.Second
	// DefaultIdleTimeout matches OpenSSH's ControlPersist default used by
	// the diagnostic scripts this server replaced.
	DefaultIdleTimeout    = 5 * time.Minute
	DefaultMaxConnections = 64
	DefaultDialBurst      = 3
	DefaultDialInterval   = time.Second
	DefaultPolicyTimeout  = 30 * time.Second
	DefaultSSHPort        = 22

	DefaultConfigFileInContainer = "/app/config/hosts.yaml"
	DefaultConfigFile            = "hosts.yaml"
	DefaultListenUnixFile        = "/tmp/linuxdiag.sock"
	DefaultSSHConfigFile         = "~/.ssh/config"
	DefaultKnownHostsFile        = "~/.ssh/known_hosts"

	// SSEScriptsTopic carries script state transitions to approval clients.
	SSEScriptsTopic = "scripts"

	// RestAPI const var
	RestAPIScriptsURL = "/scripts"
	RestAPIEventsURL  = "/events"
	RestAPIExecURL    = "/exec"
	RestAPIMetricsURL = "/metrics"
	RestAPIHealthURL  = "/healthz"
)

const (
	ToolsetFixed     = "fixed"
	ToolsetRunScript = "run_script"
	ToolsetBoth      = "both"
)

const (
	EnvConfigFile       = "LINUX_MCP_CONFIG_FILE"
	EnvLogLevel         = "LINUX_MCP_LOG_LEVEL"
	EnvUser             = "LINUX_MCP_USER"
	EnvSSHKeyPath       = "LINUX_MCP_SSH_KEY_PATH"
	EnvKeyPassphrase    = "LINUX_MCP_KEY_PASSPHRASE"
	EnvSearchForSSHKey  = "LINUX_MCP_SEARCH_FOR_SSH_KEY"
	EnvVerifyHostKeys   = "LINUX_MCP_VERIFY_HOST_KEYS"
	EnvKnownHostsPath   = "LINUX_MCP_KNOWN_HOSTS_PATH"
	EnvCommandTimeout   = "LINUX_MCP_COMMAND_TIMEOUT"
	EnvToolset          = "LINUX_MCP_TOOLSET"
	EnvPolicyURL        = "LINUX_MCP_GATEKEEPER_URL"
	EnvNotifyEndpoint   = "LINUX_MCP_NOTIFY_ENDPOINT"
	EnvListenUnixFile   = "LINUX_MCP_LISTEN_UNIX"
	EnvAuditFile        = "LINUX_MCP_AUDIT_FILE"
	EnvDisallowLocalCtr = "LINUX_MCP_DISALLOW_LOCAL_IN_CONTAINER"
)

const (
	FlagVerbose        = "verbose"
	FlagLogFormat      = "log-format"
	FlagConfig         = "config"
	FlagListenUnixFile = "listen-unix"
	FlagHost           = "host"
	FlagUser           = "user"
	FlagPort           = "port"
	FlagTimeout        = "timeout"
	FlagKind           = "kind"
	FlagDescription    = "description"
	FlagFile           = "file"
	FlagPassphrase     = "passphrase"
	FlagReadonly       = "readonly"
)
