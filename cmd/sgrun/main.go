// Copyright (C) 2025 the sgrun authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/sgrun/sgrun/internal/sgerr"
)

// Exit codes when driven from the command line: 0 success, 1 generic
// failure, 2 invocation/validation failure, 3 invariant/integrity failure.
const (
	exitOK         = 0
	exitGeneric    = 1
	exitInvocation = 2
	exitIntegrity  = 3
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "sgrun:", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	var sg *sgerr.Error
	if errors.As(err, &sg) {
		switch sg.Kind {
		case sgerr.RegistryCorrupt:
			return exitIntegrity
		case sgerr.SchemaMismatch, sgerr.LocusExhausted,
			sgerr.SandboxImportDenied, sgerr.SandboxBuiltinDenied,
			sgerr.SandboxTimeout, sgerr.SandboxRuntimeFault:
			return exitInvocation
		}
	}
	if errors.Is(err, errInvocationFailed) {
		return exitInvocation
	}
	return exitGeneric
}
