// SPDX-License-Identifier: MPL-2.0

// Package server is the HTTP front end of the event extractor: a form page,
// text and image endpoints that answer with iCalendar text, the last
// screenshot for debugging, health and Prometheus metrics.
//
// Servers follow a single-use lifecycle (created, starting, running,
// stopping, stopped or failed) with lock-free state reads.
package server
