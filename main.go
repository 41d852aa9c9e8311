// SPDX-License-Identifier: MPL-2.0

package main

import cmd "assetstamp/cmd/assetstamp"

func main() {
	cmd.Execute()
}
