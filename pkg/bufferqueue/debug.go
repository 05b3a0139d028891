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

package bufferqueue

import (
	"io"

	"github.com/srediag/surfaceq/internal/logging"
)

var debugMode = logging.DebugMode()

// SetLogLevel changes the internal logger's level. The default is Warn;
// the process env SURFACEQ_LOG_LEVEL also sets it.
func SetLogLevel(l int) { logging.SetLevel(l) }

type logger = logging.Logger

func newLogger(name string, out io.Writer) *logger {
	return logging.New(name, out)
}
