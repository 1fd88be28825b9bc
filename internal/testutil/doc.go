// SPDX-License-Identifier: MPL-2.0

// Package testutil provides helpers shared by the test suites: project
// fixtures on disk (MustWriteFiles), server cleanup (MustStop, DeferStop),
// a controllable clock (FakeClock) and a limit on concurrent container
// builds (ContainerSemaphore).
package testutil
