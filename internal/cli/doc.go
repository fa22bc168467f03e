// Package cli parses command-line arguments, validates user input and
// maps configuration failures onto process exit codes. It translates
// flags into the application's internal configuration.
package cli
