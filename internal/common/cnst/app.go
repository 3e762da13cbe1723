package cnst

const (
	// AppName is the application name used in logs, metrics and traces
	AppName = "wshub"
	// CommandName is the name of the CLI binary
	CommandName = "wshub"
)
