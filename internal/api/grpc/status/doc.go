// Package status exposes update progress over the standard gRPC health service.
//
// The UI shell or an operator polls or watches the service named ServiceName:
// it is SERVING while the application is usable as installed and NOT_SERVING
// while an update is being downloaded or applied, or after an attempt failed.
package status
