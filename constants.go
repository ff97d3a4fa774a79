package moorage

const (
	// Component indicates a subsystem of moorage, used for logging
	Component = "component"

	// ComponentSession is the interactive session and exec subsystem
	ComponentSession = "session"

	// ComponentPrivs is the privilege-separation subsystem
	ComponentPrivs = "privs"

	// ComponentSFTP is the file-access subsystem
	ComponentSFTP = "sftp"

	// ComponentUacc is the login accounting subsystem
	ComponentUacc = "uacc"
)

const (
	// DefaultEnvPath is the PATH handed to spawned shells and commands
	// when the environment carries none.
	DefaultEnvPath = "/bin:/usr/bin:/usr/local/bin"

	// DefaultShell is used when the user database carries no login shell.
	DefaultShell = "/bin/sh"

	// DefaultTerm is used when a pty request carries an empty terminal type.
	DefaultTerm = "xterm"
)
