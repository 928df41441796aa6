// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

// Component names used with For.
const (
	ComponentCompanion  = "companion"
	ComponentSyncEngine = "sync"
	ComponentOutbox     = "outbox"
	ComponentCache      = "cache"
	ComponentFileStore  = "files"
	ComponentNetwork    = "network"
	ComponentRemote     = "remote"
	ComponentAPI        = "api"
	ComponentConfig     = "config"
)
