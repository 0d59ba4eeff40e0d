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

package message

import "errors"

var (
	// ErrPayload is returned when a payload does not match the expected shape.
	ErrPayload = errors.New("malformed payload")
	// ErrPayloadTruncated is returned when a read runs past the payload end.
	ErrPayloadTruncated = errors.New("payload truncated")
	// ErrIncompleteFrame means more bytes are needed to decode a frame.
	ErrIncompleteFrame = errors.New("incomplete frame")
	// ErrFrameTooLarge is returned for frames above MaxPayloadSize or MaxHandles.
	ErrFrameTooLarge = errors.New("frame too large")
)
