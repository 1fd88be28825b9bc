// SPDX-License-Identifier: MPL-2.0

// Command aicalamba turns event descriptions into iCalendar files and
// builds its own minimal container image.
package main

import (
	// Embedded zone database; the runtime image carries no tzdata package.
	_ "time/tzdata"

	cmd "github.com/aicalamba/aicalamba/cmd/aicalamba"
)

func main() {
	cmd.Execute()
}
