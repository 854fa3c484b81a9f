// Package updater drives the update state machine.
//
// One attempt walks IDLE → CHECKING → UP_TO_DATE, or on to DOWNLOADING →
// VERIFYING → APPLYING → DONE, and ends in FAILED with a reason when any step
// gives up. Transient network failures are retried with exponential backoff;
// integrity and local failures are not. The orchestrator is the only place
// where component errors are translated into phases, reasons and messages.
package updater
