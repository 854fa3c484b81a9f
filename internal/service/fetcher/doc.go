// Package fetcher downloads release artifacts into the staging directory.
//
// Downloads land in a ".part" file and are renamed once the stream completes,
// so a crash never leaves a file that looks finished. A later attempt resumes
// the partial file with an HTTP Range request and starts over when the server
// ignores the range.
package fetcher
