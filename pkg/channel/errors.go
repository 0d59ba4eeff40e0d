/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package channel

import "errors"

// Protocol violations. These are raised with panic; they mean a bug in the
// caller or in the peer, not a condition to recover from.
var (
	ErrAlreadyOpened    = errors.New("channel already opened")
	ErrInvalidState     = errors.New("operation not allowed in this channel state")
	ErrNoRoute          = errors.New("message needs a routing id")
	ErrUnhandledSpecial = errors.New("unhandled special message")
	ErrNoIOLoop         = errors.New("no IO loop for process link")
	ErrNotOpening       = errors.New("peer channel is not opening")
	ErrMonitorNotHeld   = errors.New("monitor not held")
	ErrMonitorReleased  = errors.New("monitor released too many times")
)

// Configuration errors, returned by New and VerifyConfig.
var (
	ErrNilListener = errors.New("channel: nil listener")
	ErrNilWorker   = errors.New("channel: nil worker loop")
)
