/*
Package log provides structured logging using zerolog.

The package wraps zerolog behind a small API: Init configures the global
logger (level, JSON vs console, destination), and WithComponent /
WithWorkerID / WithTaskID / WithTool derive child loggers carrying a
stable context field. Because the server's stdout is reserved for the
RPC protocol, logs default to stderr; production deployments point
Output at a file under the configured log directory.
*/
package log
