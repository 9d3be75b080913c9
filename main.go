// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Command meshcore is the protocol-core binary described by spec §6. It
// wires the CLI (cmd.Execute) but cannot itself supply a radio or timer:
// those are platform-specific (spec §6 "the underlying radio driver... are
// out of scope") and must come from a build that calls
// cmd.RegisterPlatform before main runs. This file is the generic,
// platform-less entry point; a real deployment replaces it with one that
// imports its platform package for the side effect of registering a
// factory.
package main

import "github.com/meshx/meshcore/cmd"

func main() {
	cmd.Execute()
}
