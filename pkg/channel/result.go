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

import "fmt"

// Result is what a Listener returns for a dispatched message.
type Result int

const (
	MsgProcessed Result = iota
	MsgDropped
	MsgNotKnown
	MsgNotAllowed
	MsgPayloadError
	MsgProcessingError
	MsgRouteError
	MsgValueError
)

var resultNames = [...]string{
	MsgProcessed:       "MsgProcessed",
	MsgDropped:         "MsgDropped",
	MsgNotKnown:        "MsgNotKnown",
	MsgNotAllowed:      "MsgNotAllowed",
	MsgPayloadError:    "MsgPayloadError",
	MsgProcessingError: "MsgProcessingError",
	MsgRouteError:      "MsgRouteError",
	MsgValueError:      "MsgValueError",
}

func (r Result) String() string {
	if r >= 0 && int(r) < len(resultNames) {
		return resultNames[r]
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// Describe returns the diagnostic printed when r is reported.
func (r Result) Describe() string {
	switch r {
	case MsgProcessed:
		return "Processed"
	case MsgDropped:
		return "Dropped: channel is not connected"
	case MsgNotKnown:
		return "Unknown message: not processed"
	case MsgNotAllowed:
		return "Message not allowed: cannot be sent/recvd in this state"
	case MsgPayloadError:
		return "Payload error: message could not be deserialized"
	case MsgProcessingError:
		return "Processing error: message was deserialized, but the handler returned false (indicating failure)"
	case MsgRouteError:
		return "Route error: message sent to unknown actor ID"
	case MsgValueError:
		return "Value error: message was deserialized, but contained an illegal value"
	}
	return r.String()
}

// State is the connection state of a Channel.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateConnected
	StateClosing
	StateError
	StateTimeout
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateError:
		return "error"
	case StateTimeout:
		return "timeout"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// connectionError is the diagnostic for a send attempted in state s.
func connectionError(s State) string {
	switch s {
	case StateClosed:
		return "Closed channel: cannot send/recv"
	case StateOpening:
		return "Opening channel: not yet ready for send/recv"
	case StateTimeout:
		return "Channel timeout: cannot send/recv"
	case StateClosing:
		return "Channel closing: too late to send/recv, messages will be lost"
	case StateError:
		return "Channel error: cannot send/recv"
	}
	return "Channel in unexpected state " + s.String()
}

// Side is which end of a pair a Channel is.
type Side int

const (
	SideUnknown Side = iota
	SideParent
	SideChild
)

func (s Side) String() string {
	switch s {
	case SideParent:
		return "Parent"
	case SideChild:
		return "Child"
	}
	return "Unknown"
}

// Opposite returns the side the peer takes.
func (s Side) Opposite() Side {
	switch s {
	case SideParent:
		return SideChild
	case SideChild:
		return SideParent
	}
	return SideUnknown
}
