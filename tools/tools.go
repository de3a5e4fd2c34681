// Copyright (c) 2023 Nubwerk and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build tools
// +build tools

// See github.com/golang/go/wiki/Modules#how-can-i-track-tool-dependencies-for-a-module
// and github.com/go-modules-by-example/index/blob/master/010_tools/README.md

package tools

import (
	_ "github.com/crazy-max/xgo"
	_ "golang.org/x/mobile/cmd/gomobile"
)
