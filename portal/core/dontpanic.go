// Copyright (c) 2023 Nubwerk and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package core

import (
	"fmt"
	"os"
	"sync"

	"github.com/nubwerk/portalstack/portal/log"
)

type Finally func()

type ExitCode int

func (e ExitCode) int() int {
	return int(e)
}

// Exit11 is the process exit code after an unrecoverable panic; the
// same code as SIGSEGV, which is roughly the condition a panic is.
const Exit11 ExitCode = 11

// DontExit tells Recover that the process must survive the panic.
const DontExit ExitCode = 0

// In case multiple goroutines panic concurrently, ensure only one of
// them is able to print the panic message and exit the process.
var _pmu sync.RWMutex

// RecoverFn recovers from panics and then calls fn in a separate
// goroutine. Must be the first defer at the start of a new goroutine.
func RecoverFn(aux string, fn Finally) (didpanic bool) {
	recovered := recover()
	didpanic = recovered != nil
	if !didpanic { // nothing to recover from
		return false
	}

	defer Gif(didpanic, "fin."+aux, fn)

	msg := fmt.Sprintf("%s [%d] %v", aux, DontExit, recovered)
	log.E(msg)

	trace(DontExit, msg)
	return didpanic
}

// Recover must be called as a defered function, and must be the first
// defer called at the start of a new goroutine.
func Recover(code ExitCode, aux string) (didpanic bool) {
	recovered := recover()
	didpanic = recovered != nil
	if !didpanic { // nothing to recover from
		return false
	}

	msg := fmt.Sprintf("%s [%d] %v", aux, code, recovered)
	log.E(msg)

	trace(code, msg)
	return didpanic
}

func trace(code ExitCode, msg string) {
	// Hold exiting goroutines here so a panic in progress is fully
	// printed before the process goes away.
	if code == DontExit {
		// many "dontexit" goroutines can safely run concurrently.
		_pmu.RLock()
		defer _pmu.RUnlock()
	} else {
		defer os.Exit(Exit11.int())
		// upto one goroutine panicking should exit the process.
		_pmu.Lock()
		defer _pmu.Unlock()
	}

	log.T(msg)
}
