/*
 * Copyright 2025 Carver Automation Corporation.
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

package fleet

import "errors"

var (
	ErrUnknownDevice   = errors.New("unknown device")
	ErrNotConnected    = errors.New("device is not connected")
	ErrBudgetExhausted = errors.New("subscription budget exhausted")
	ErrAlreadyStarted  = errors.New("fleet manager already started")
	ErrNilTransport    = errors.New("transport is required")
)
