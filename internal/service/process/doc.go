// Package process stops, starts and interrogates the managed application.
package process
