// Package logger builds the structured slog logger shared by every component.
// Production emits JSON; other environments emit human-readable text.
package logger
