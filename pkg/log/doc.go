/*
Package log provides structured logging for burrow using zerolog.

A single global Logger is configured once at startup with Init. Components
derive child loggers carrying a component field and, where relevant, the table
and migration they are working on:

	logger := log.WithComponent("migration")
	logger = log.WithMigration(logger, m.ID)
	logger.Info().Int("records", n).Msg("Copied records")

Until Init runs the global logger discards everything, which keeps library use
and tests quiet.

Output is human readable by default (zerolog.ConsoleWriter, RFC3339 timestamps)
and JSON when Config.JSONOutput is set.
*/
package log
